// Package ot implements the Operation Transformation function matrix: pure
// functions tf(serverOp, clientOp) -> (serverOp', clientOp') for every
// ordered pair of discrete operation kinds, plus the compound-vs-any
// expansion rule from spec.md section 4.2. The matrix is encoded as a
// two-dimensional dispatch table (grounded on the teacher's
// transformAgainst switch in ot.go) rather than per-class virtual calls, so
// it stays reviewable and exhaustively testable per the design notes.
package ot

import "github.com/rectcircle/convergence-server/internal/model"

// Transform computes (S', C') such that
// apply(apply(X, S), C') == apply(apply(X, C), S') for any state X where
// both S and C are individually applicable (the TP1 property). When S and
// C target different vids, or either is already a no-op, Transform is the
// identity on the other operand.
func Transform(s, c model.Operation) (model.Operation, model.Operation) {
	sc, sIsCompound := s.(model.CompoundOperation)
	cc, cIsCompound := c.(model.CompoundOperation)

	switch {
	case sIsCompound && cIsCompound:
		return transformCompoundCompound(sc, cc)
	case sIsCompound:
		return transformCompoundDiscrete(sc, c.(model.DiscreteOperation))
	case cIsCompound:
		return transformDiscreteCompound(s.(model.DiscreteOperation), cc)
	default:
		return transformBase(s.(model.DiscreteOperation), c.(model.DiscreteOperation))
	}
}

// TransformDiscretePair runs the discrete base case directly for callers
// that hold two discrete operations. Its results are still model.Operation,
// since a string remove can come back bisected into a CompoundOperation.
func TransformDiscretePair(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	return transformBase(s, c)
}

// transformDiscreteCompound folds S left through C's sequence, threading
// the updated S into each successive pair, per spec.md 4.2's "Any discrete
// vs compound" rule.
func transformDiscreteCompound(s model.DiscreteOperation, c model.CompoundOperation) (model.Operation, model.Operation) {
	cur := model.Operation(s)
	outOps := make([]model.DiscreteOperation, 0, len(c.Ops))
	for _, ci := range c.Ops {
		var ciTransformed model.Operation
		cur, ciTransformed = Transform(cur, model.Operation(ci))
		outOps = append(outOps, flattenDiscrete(ciTransformed)...)
	}
	return cur, model.CompoundOperation{Ops: outOps}
}

// transformCompoundDiscrete is the symmetric rule for compound-on-left.
func transformCompoundDiscrete(s model.CompoundOperation, c model.DiscreteOperation) (model.Operation, model.Operation) {
	cur := model.Operation(c)
	outOps := make([]model.DiscreteOperation, 0, len(s.Ops))
	for _, si := range s.Ops {
		var siTransformed model.Operation
		siTransformed, cur = Transform(model.Operation(si), cur)
		outOps = append(outOps, flattenDiscrete(siTransformed)...)
	}
	return model.CompoundOperation{Ops: outOps}, cur
}

// transformCompoundCompound folds S's ops left through the full C sequence,
// threading the updated C (which may itself grow, e.g. from a string-insert
// bisection) into each step.
func transformCompoundCompound(s, c model.CompoundOperation) (model.Operation, model.Operation) {
	cur := model.Operation(c)
	outOps := make([]model.DiscreteOperation, 0, len(s.Ops))
	for _, si := range s.Ops {
		var siTransformed model.Operation
		siTransformed, cur = Transform(model.Operation(si), cur)
		outOps = append(outOps, flattenDiscrete(siTransformed)...)
	}
	return model.CompoundOperation{Ops: outOps}, cur
}

func flattenDiscrete(op model.Operation) []model.DiscreteOperation {
	return FlattenOperation(op)
}

// FlattenOperation returns op's constituent discrete operations in order: a
// single-element slice for a DiscreteOperation, or the sub-op slice for a
// CompoundOperation. Exported for callers (the coordinator's operation log)
// that need to address a submission's discrete pieces individually.
func FlattenOperation(op model.Operation) []model.DiscreteOperation {
	switch v := op.(type) {
	case model.DiscreteOperation:
		return []model.DiscreteOperation{v}
	case model.CompoundOperation:
		return v.Ops
	default:
		return nil
	}
}

// transformBase is the base case of the matrix: two discrete operations.
func transformBase(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	// No-op preservation (spec.md 4.2): a no-op stays a no-op and leaves
	// the other operand untouched, keeping version accounting consistent.
	if s.NoOp || c.NoOp {
		return s, c
	}
	if s.VID != c.VID {
		return s, c
	}

	switch family(s.Kind) {
	case familyString:
		return transformString(s, c)
	case familyArray:
		return transformArray(s, c)
	case familyObject:
		return transformObject(s, c)
	case familyNumber:
		return transformNumber(s, c)
	default:
		// Boolean/date are single-writer scalars: the only possible same-
		// kind pair is Set vs Set.
		return transformLastWriteWins(s, c)
	}
}

type opFamily uint8

const (
	familyString opFamily = iota
	familyArray
	familyObject
	familyNumber
	familyScalar
)

func family(k model.OpKind) opFamily {
	switch k {
	case model.StringInsert, model.StringRemove, model.StringSet:
		return familyString
	case model.ArrayInsert, model.ArrayRemove, model.ArrayReplace, model.ArrayMove, model.ArraySet:
		return familyArray
	case model.ObjectAddProperty, model.ObjectSetProperty, model.ObjectRemoveProperty, model.ObjectSet:
		return familyObject
	case model.NumberAdd, model.NumberSet:
		return familyNumber
	default:
		return familyScalar
	}
}

// transformLastWriteWins resolves a same-vid conflict by letting the
// server-side operand win outright: the client operand becomes a no-op.
// Used for BooleanSet/DateSet, where there is exactly one writer kind per
// type and no positional state to reconcile.
func transformLastWriteWins(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	cNoop := c
	cNoop.NoOp = true
	return s, cNoop
}
