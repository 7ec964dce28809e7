package ccc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectcircle/convergence-server/internal/model"
)

func TestController_Submit_EnqueuesAndStampsContextVersion(t *testing.T) {
	c := New(5)
	op := model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 0, StrValue: "a"}
	stamped := c.Submit(op)
	assert.Equal(t, uint64(5), stamped)
	assert.Equal(t, 1, c.Pending())
}

func TestController_OnAck_PopsOutgoingAndAdvances(t *testing.T) {
	c := New(0)
	c.Submit(model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 0, StrValue: "a"})
	c.Submit(model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 1, StrValue: "b"})
	require.Equal(t, 2, c.Pending())

	c.OnAck()
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, uint64(1), c.ContextVersion())
}

func TestController_OnRemote_TransformsOutstandingOutgoing(t *testing.T) {
	c := New(0)
	// Locally submitted, unacknowledged insert at index 1.
	c.Submit(model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 1, StrValue: "X"})

	// A remote insert at index 0 arrives before our submission is acked.
	remote := model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 0, StrValue: "Y"}
	applied := c.OnRemote(remote)

	assert.Equal(t, uint64(1), c.ContextVersion())
	localApplied := applied.(model.DiscreteOperation)
	assert.Equal(t, 0, localApplied.Index)

	// The queued outgoing op must have shifted past the remote insert so
	// that, once acknowledged, it still targets the original intended
	// position.
	require.Equal(t, 1, c.Pending())
	assert.Equal(t, 2, c.outgoing[0].(model.DiscreteOperation).Index)
}

func TestController_Advance_NeverMovesBackward(t *testing.T) {
	c := New(3)
	c.Advance(5)
	assert.Equal(t, uint64(5), c.ContextVersion())
	c.Advance(2)
	assert.Equal(t, uint64(5), c.ContextVersion())
}
