package scc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectcircle/convergence-server/internal/model"
)

func TestController_ProcessSubmission_RejectsFutureContextVersion(t *testing.T) {
	c := New(3)
	_, _, err := c.ProcessSubmission("alpha", 4, model.DiscreteOperation{Kind: model.NumberSet, VID: "n1", NumValue: 1})
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestController_ProcessSubmission_RebasesAgainstIntervening(t *testing.T) {
	c := New(0)

	// beta's submission at contextVersion 0 gets committed first, at version 1.
	betaOp := model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 1, StrValue: "Y"}
	v1, out1, err := c.ProcessSubmission("beta", 0, betaOp)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)
	c.Commit("beta", model.AppliedOperation{DiscreteOperation: out1.(model.DiscreteOperation)})

	// alpha submitted concurrently against the same pre-beta version; its op
	// must rebase against beta's now-committed insert.
	alphaOp := model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 1, StrValue: "X"}
	v2, out2, err := c.ProcessSubmission("alpha", 0, alphaOp)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)
	rebased := out2.(model.DiscreteOperation)
	assert.Equal(t, 2, rebased.Index)
}

func TestController_ProcessSubmission_SkipsOwnHistory(t *testing.T) {
	c := New(0)
	op := model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 0, StrValue: "a"}
	v1, out1, err := c.ProcessSubmission("alpha", 0, op)
	require.NoError(t, err)
	c.Commit("alpha", model.AppliedOperation{DiscreteOperation: out1.(model.DiscreteOperation)})
	require.Equal(t, uint64(1), v1)

	// alpha submits again, still claiming contextVersion 0: its own prior
	// commit must not be folded into the rebase (it would double-shift).
	op2 := model.DiscreteOperation{Kind: model.StringInsert, VID: "s1", Index: 0, StrValue: "b"}
	_, out2, err := c.ProcessSubmission("alpha", 0, op2)
	require.NoError(t, err)
	assert.Equal(t, 0, out2.(model.DiscreteOperation).Index)
}

func TestController_EvictBefore_TrimsHistory(t *testing.T) {
	c := New(0)
	for i := 0; i < 3; i++ {
		op := model.DiscreteOperation{Kind: model.NumberAdd, VID: "n1", NumValue: 1}
		c.Commit("alpha", model.AppliedOperation{DiscreteOperation: op})
	}
	require.Equal(t, 3, c.HistoryLen())
	c.EvictBefore(2)
	assert.Equal(t, 1, c.HistoryLen())
}
