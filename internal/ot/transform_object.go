package ot

import "github.com/rectcircle/convergence-server/internal/model"

func transformObject(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	// Object set (whole) vs any object op on the same vid: the wholesale
	// set wins outright.
	if s.Kind == model.ObjectSet || c.Kind == model.ObjectSet {
		return transformWithSet(s, c, model.ObjectSet)
	}

	sProp := propertyOf(s)
	cProp := propertyOf(c)
	if sProp != cProp {
		// Disjoint properties never conflict.
		return s, c
	}

	// Same property: the server-side op is applied first and wins; the
	// client-side op becomes a no-op. This generalizes the spec's explicit
	// "set-property vs set-property (same property)" rule to every
	// same-property pair (add/set/remove), since whichever operation the
	// server already committed determines the property's state by the
	// time the client's concurrent op is rebased.
	cOut := c
	cOut.NoOp = true
	return s, cOut
}

func propertyOf(op model.DiscreteOperation) string {
	return op.Property
}
