package ot

import "github.com/rectcircle/convergence-server/internal/model"

func transformString(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	switch {
	case s.Kind == model.StringInsert && c.Kind == model.StringInsert:
		return transformStringInsertInsert(s, c)
	case s.Kind == model.StringInsert && c.Kind == model.StringRemove:
		sOut, cOut := transformInsertRemove(s, c)
		return sOut, cOut
	case s.Kind == model.StringRemove && c.Kind == model.StringInsert:
		// Swap roles: the shared helper is defined insert-vs-remove: call it
		// with C as the insert and S as the remove, then swap the results
		// back so the caller still sees (S', C').
		cOut, sOut := transformInsertRemove(c, s)
		return sOut, cOut
	case s.Kind == model.StringRemove && c.Kind == model.StringRemove:
		return transformStringRemoveRemove(s, c)
	default:
		// StringSet is involved on at least one side: a wholesale
		// replacement wins over any positional edit, mirroring the
		// "Object set (whole) vs any object op" rule for strings.
		return transformWithSet(s, c, model.StringSet)
	}
}

func transformStringInsertInsert(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	sLen := len([]rune(s.StrValue))
	cLen := len([]rune(c.StrValue))

	sOut, cOut := s, c
	switch {
	case s.Index < c.Index:
		cOut.Index += sLen
	case s.Index > c.Index:
		sOut.Index += cLen
	default:
		// Tie-break: the server-side op's index is held; the client-side
		// op is shifted past it, producing a deterministic order.
		cOut.Index += sLen
	}
	return sOut, cOut
}

// transformInsertRemove transforms an insert against a remove (in that
// argument order) and returns (insert', remove'). If the insert point falls
// strictly inside the removed range, the remove is bisected into two
// removes around the inserted text, per spec.md 4.2.
func transformInsertRemove(ins, rem model.DiscreteOperation) (model.Operation, model.Operation) {
	insLen := len([]rune(ins.StrValue))
	remLen := len([]rune(rem.StrValue))
	remEnd := rem.Index + remLen

	switch {
	case ins.Index <= rem.Index:
		remOut := rem
		remOut.Index += insLen
		return ins, remOut
	case ins.Index >= remEnd:
		insOut := ins
		insOut.Index -= remLen
		return insOut, rem
	default:
		// Insert lands strictly inside the removed range: bisect the
		// remove into [rem.Index, ins.Index) and the remainder, which (once
		// the first piece has run) starts right after the inserted text.
		// The insert itself moves to the start of the removed range.
		removedRunes := []rune(rem.StrValue)
		splitAt := ins.Index - rem.Index
		first := rem
		first.StrValue = string(removedRunes[:splitAt])
		second := rem
		second.Index = rem.Index + insLen
		second.StrValue = string(removedRunes[splitAt:])
		insOut := ins
		insOut.Index = rem.Index
		return insOut, model.CompoundOperation{Ops: []model.DiscreteOperation{first, second}}
	}
}

func transformStringRemoveRemove(s, c model.DiscreteOperation) (model.Operation, model.Operation) {
	sLen := len([]rune(s.StrValue))
	cLen := len([]rune(c.StrValue))
	sEnd := s.Index + sLen
	cEnd := c.Index + cLen

	switch {
	case sEnd <= c.Index:
		cOut := c
		cOut.Index -= sLen
		return s, cOut
	case cEnd <= s.Index:
		sOut := s
		sOut.Index -= cLen
		return sOut, c
	default:
		// Overlapping removes of the same string: each side keeps only the
		// runes the other has not already removed, starting at the lower of
		// the two indices, and becomes a no-op if nothing remains.
		overlapStart := max(s.Index, c.Index)
		overlapEnd := min(sEnd, cEnd)
		overlap := overlapEnd - overlapStart
		rebase := func(op model.DiscreteOperation) model.DiscreteOperation {
			runes := []rune(op.StrValue)
			out := op
			if len(runes) == overlap {
				out.NoOp = true
				return out
			}
			out.Index = min(s.Index, c.Index)
			out.StrValue = string(runes[:overlapStart-op.Index]) + string(runes[overlapEnd-op.Index:])
			return out
		}
		return rebase(s), rebase(c)
	}
}

// transformWithSet resolves any pair where at least one side is a
// wholesale-set kind: the set wins outright, the other operand becomes a
// no-op. If both sides are sets, the server-side operand (s) wins.
func transformWithSet(s, c model.DiscreteOperation, setKind model.OpKind) (model.Operation, model.Operation) {
	if s.Kind == setKind {
		cOut := c
		cOut.NoOp = true
		return s, cOut
	}
	sOut := s
	sOut.NoOp = true
	return sOut, c
}
