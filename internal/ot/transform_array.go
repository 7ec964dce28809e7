package ot

import "github.com/rectcircle/convergence-server/internal/model"

func transformArray(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	if s.Kind == model.ArraySet || c.Kind == model.ArraySet {
		return transformWithSet(s, c, model.ArraySet)
	}
	if s.Kind == model.ArrayMove {
		return transformArrayMoveVsOther(s, c, true)
	}
	if c.Kind == model.ArrayMove {
		return transformArrayMoveVsOther(c, s, false)
	}

	switch {
	case s.Kind == model.ArrayInsert && c.Kind == model.ArrayInsert:
		return transformArrayInsertInsert(s, c)
	case s.Kind == model.ArrayInsert && c.Kind == model.ArrayRemove:
		return transformArrayInsertRemove(s, c)
	case s.Kind == model.ArrayRemove && c.Kind == model.ArrayInsert:
		cOut, sOut := transformArrayInsertRemove(c, s)
		return sOut, cOut
	case s.Kind == model.ArrayRemove && c.Kind == model.ArrayRemove:
		return transformArrayRemoveRemove(s, c)
	case s.Kind == model.ArrayInsert && c.Kind == model.ArrayReplace:
		return transformArrayInsertReplace(s, c)
	case s.Kind == model.ArrayReplace && c.Kind == model.ArrayInsert:
		cOut, sOut := transformArrayInsertReplace(c, s)
		return sOut, cOut
	case s.Kind == model.ArrayRemove && c.Kind == model.ArrayReplace:
		return transformArrayRemoveReplace(s, c)
	case s.Kind == model.ArrayReplace && c.Kind == model.ArrayRemove:
		cOut, sOut := transformArrayRemoveReplace(c, s)
		return sOut, cOut
	case s.Kind == model.ArrayReplace && c.Kind == model.ArrayReplace:
		return transformArrayReplaceReplace(s, c)
	default:
		return s, c
	}
}

func transformArrayInsertInsert(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	sOut, cOut := s, c
	switch {
	case s.Index < c.Index:
		cOut.Index++
	case s.Index > c.Index:
		sOut.Index++
	default:
		// Tie-break favors the server op's position; the client shifts by
		// one slot.
		cOut.Index++
	}
	return sOut, cOut
}

func transformArrayInsertRemove(ins, rem model.DiscreteOperation) (model.Operation, model.Operation) {
	insOut, remOut := ins, rem
	switch {
	case ins.Index <= rem.Index:
		remOut.Index++
	default:
		insOut.Index--
	}
	return insOut, remOut
}

func transformArrayRemoveRemove(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	sOut, cOut := s, c
	switch {
	case s.Index < c.Index:
		cOut.Index--
	case s.Index > c.Index:
		sOut.Index--
	default:
		// Same element removed by both: the server's remove already took
		// effect, the client's is redundant.
		cOut.NoOp = true
	}
	return sOut, cOut
}

func transformArrayInsertReplace(ins, rep model.DiscreteOperation) (model.Operation, model.Operation) {
	insOut, repOut := ins, rep
	if ins.Index <= rep.Index {
		repOut.Index++
	}
	return insOut, repOut
}

func transformArrayRemoveReplace(rem, rep model.DiscreteOperation) (model.Operation, model.Operation) {
	remOut, repOut := rem, rep
	switch {
	case rem.Index < rep.Index:
		repOut.Index--
	case rem.Index == rep.Index:
		// The replace's target no longer exists.
		repOut.NoOp = true
	}
	return remOut, repOut
}

func transformArrayReplaceReplace(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	if s.Index == c.Index {
		cOut := c
		cOut.NoOp = true
		return s, cOut
	}
	return s, c
}

// transformArrayMoveVsOther handles any pair where one side is an
// ArrayMove, modeled per the design notes as (remove fromIndex, insert
// toIndex) composed against the other operation's index-affecting rule.
// moveIsS reports whether the move operand is the first (server) argument
// so the final tuple can be returned in the right order.
func transformArrayMoveVsOther(move, other model.DiscreteOperation, moveIsS bool) (model.Operation, model.Operation) {
	if other.Kind == model.ArrayMove {
		return transformArrayMoveMove(move, other, moveIsS)
	}

	removeLeg := model.DiscreteOperation{Kind: model.ArrayRemove, VID: move.VID, Index: move.FromIndex}
	removeLegAfter, otherAfterRemove := transformArray(removeLeg, other)
	removeLegOut, ok := removeLegAfter.(model.DiscreteOperation)
	if !ok {
		// ArrayRemove legs never bisect; this path is unreachable in
		// practice, but fall back to the untransformed leg rather than
		// panic.
		removeLegOut = removeLeg
	}
	otherOut, ok := otherAfterRemove.(model.DiscreteOperation)
	if !ok {
		otherOut = other
	}

	insertLeg := model.DiscreteOperation{Kind: model.ArrayInsert, VID: move.VID, Index: move.ToIndex}
	insertLegAfter, otherAfterInsert := transformArray(insertLeg, otherOut)
	insertLegOut, ok := insertLegAfter.(model.DiscreteOperation)
	if !ok {
		insertLegOut = insertLeg
	}
	otherFinal, ok := otherAfterInsert.(model.DiscreteOperation)
	if !ok {
		otherFinal = otherOut
	}

	// The move's own indices must shift for the other operation's effect
	// too, the same way its (remove, insert) legs shift "other" above —
	// composition runs both directions, not just one.
	moveOut := move
	moveOut.FromIndex = removeLegOut.Index
	moveOut.ToIndex = insertLegOut.Index
	if moveIsS {
		return moveOut, otherFinal
	}
	return otherFinal, moveOut
}

func transformArrayMoveMove(s, c model.DiscreteOperation, moveIsS bool) (model.Operation, model.Operation) {
	// Two concurrent moves of the same array: if they move the same
	// element, the server's move wins and the client's becomes a no-op;
	// otherwise each move's indices are adjusted for the other's
	// remove+insert effect on array length distribution, which nets out to
	// no index change since both are remove+insert pairs (length-neutral).
	if s.FromIndex == c.FromIndex {
		cOut := c
		cOut.NoOp = true
		if moveIsS {
			return s, cOut
		}
		return cOut, s
	}
	if moveIsS {
		return s, c
	}
	return c, s
}
