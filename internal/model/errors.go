package model

import "fmt"

// ApplyError is returned by Tree.Apply when an operation cannot be applied
// to the current tree. Per spec section 4.1 it is always fatal: the
// coordinator that owns the tree must transition to ForceClosing.
type ApplyError struct {
	VID    Vid
	Kind   OpKind
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s on %s: %s", e.Kind, e.VID, e.Reason)
}

func newApplyError(op DiscreteOperation, reason string) error {
	return &ApplyError{VID: op.VID, Kind: op.Kind, Reason: reason}
}
