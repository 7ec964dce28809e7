// Package model implements the live document tree: the tagged union of
// DataValue kinds, the operation algebra that mutates them, and the flat
// vid index used to address any node without parent pointers.
package model

import "github.com/google/uuid"

// Vid is a value id: stable for the lifetime of a node, unique within a
// single model. The prefix records which side minted it so that a
// server-origin vid (minted by NewServerVid) can be told from a
// client-origin one without a side channel. Cold start keeps the vids of
// the client-supplied tree as they are.
type Vid string

const (
	serverVidPrefix = "s~"
	clientVidPrefix = "c~"
)

// NewServerVid mints a fresh server-origin vid.
func NewServerVid() Vid {
	return Vid(serverVidPrefix + uuid.New().String())
}

// IsServerOrigin reports whether v was minted by the server.
func (v Vid) IsServerOrigin() bool {
	return len(v) >= len(serverVidPrefix) && string(v[:len(serverVidPrefix)]) == serverVidPrefix
}

// IsClientOrigin reports whether v was minted by a client.
func (v Vid) IsClientOrigin() bool {
	return len(v) >= len(clientVidPrefix) && string(v[:len(clientVidPrefix)]) == clientVidPrefix
}
