package ot

import "github.com/rectcircle/convergence-server/internal/model"

func transformNumber(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	switch {
	case s.Kind == model.NumberAdd && c.Kind == model.NumberAdd:
		// Addition commutes: applying both in either order yields the same
		// sum, so neither operand needs adjustment.
		return s, c
	case s.Kind == model.NumberSet && c.Kind == model.NumberSet:
		cOut := c
		cOut.NoOp = true
		return s, cOut
	case s.Kind == model.NumberSet && c.Kind == model.NumberAdd:
		// The set already fixes the final value; the concurrent add must
		// not perturb it.
		cOut := c
		cOut.NoOp = true
		return s, cOut
	default:
		// s is NumberAdd, c is NumberSet: the set wins, so the add must
		// become a no-op once rebased past it.
		sOut := s
		sOut.NoOp = true
		return sOut, c
	}
}
