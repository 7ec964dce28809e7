package model

// Tree owns the live document for one model: the root ObjectValue plus a
// flat vid -> node index so operations never need to walk upward to find
// their target (per the design notes: an arena+index, not a doubly-linked
// tree).
type Tree struct {
	root  *ObjectValue
	index map[Vid]DataValue
}

// NewTree builds a Tree from an already-materialized root, indexing every
// descendant vid.
func NewTree(root *ObjectValue) *Tree {
	t := &Tree{root: root, index: make(map[Vid]DataValue)}
	if root != nil {
		Walk(root, func(v DataValue) { t.index[v.ValueID()] = v })
	}
	return t
}

// Root returns the live root. Callers must not mutate it directly.
func (t *Tree) Root() *ObjectValue {
	return t.root
}

// Get looks up a node by vid.
func (t *Tree) Get(vid Vid) (DataValue, bool) {
	v, ok := t.index[vid]
	return v, ok
}

// Materialize returns a deep copy of the root, suitable for a snapshot.
func (t *Tree) Materialize() *ObjectValue {
	return t.root.Clone().(*ObjectValue)
}

func (t *Tree) indexAdd(v DataValue) {
	Walk(v, func(node DataValue) { t.index[node.ValueID()] = node })
}

func (t *Tree) indexRemove(v DataValue) {
	Walk(v, func(node DataValue) { delete(t.index, node.ValueID()) })
}

// Apply mutates the tree per op and returns the AppliedOperation carrying
// enough inverse data to undo it. Apply is total on a well-formed
// operation: any structural violation (out-of-range index, vid not found,
// wrong target kind) returns a fatal *ApplyError and leaves the tree
// unmodified.
func (t *Tree) Apply(op DiscreteOperation) (AppliedOperation, error) {
	if op.NoOp {
		return AppliedOperation{DiscreteOperation: op}, nil
	}

	target, ok := t.index[op.VID]
	if !ok {
		return AppliedOperation{}, newApplyError(op, "vid not found in tree")
	}

	switch op.Kind {
	case StringInsert:
		return t.applyStringInsert(target, op)
	case StringRemove:
		return t.applyStringRemove(target, op)
	case StringSet:
		return t.applyStringSet(target, op)
	case ArrayInsert:
		return t.applyArrayInsert(target, op)
	case ArrayRemove:
		return t.applyArrayRemove(target, op)
	case ArrayReplace:
		return t.applyArrayReplace(target, op)
	case ArrayMove:
		return t.applyArrayMove(target, op)
	case ArraySet:
		return t.applyArraySet(target, op)
	case ObjectAddProperty:
		return t.applyObjectAddProperty(target, op)
	case ObjectSetProperty:
		return t.applyObjectSetProperty(target, op)
	case ObjectRemoveProperty:
		return t.applyObjectRemoveProperty(target, op)
	case ObjectSet:
		return t.applyObjectSet(target, op)
	case NumberAdd:
		return t.applyNumberAdd(target, op)
	case NumberSet:
		return t.applyNumberSet(target, op)
	case BooleanSet:
		return t.applyBooleanSet(target, op)
	case DateSet:
		return t.applyDateSet(target, op)
	default:
		return AppliedOperation{}, newApplyError(op, "unknown operation kind")
	}
}

func (t *Tree) applyStringInsert(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	s, ok := target.(*StringValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a string")
	}
	runes := []rune(s.Value)
	if op.Index < 0 || op.Index > len(runes) {
		return AppliedOperation{}, newApplyError(op, "index out of range")
	}
	out := make([]rune, 0, len(runes)+len([]rune(op.StrValue)))
	out = append(out, runes[:op.Index]...)
	out = append(out, []rune(op.StrValue)...)
	out = append(out, runes[op.Index:]...)
	s.Value = string(out)
	return AppliedOperation{DiscreteOperation: op}, nil
}

func (t *Tree) applyStringRemove(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	s, ok := target.(*StringValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a string")
	}
	runes := []rune(s.Value)
	n := len([]rune(op.StrValue))
	if op.Index < 0 || n < 0 || op.Index+n > len(runes) {
		return AppliedOperation{}, newApplyError(op, "index out of range")
	}
	removed := string(runes[op.Index : op.Index+n])
	out := make([]rune, 0, len(runes)-n)
	out = append(out, runes[:op.Index]...)
	out = append(out, runes[op.Index+n:]...)
	s.Value = string(out)
	applied := op
	return AppliedOperation{DiscreteOperation: applied, OldValue: &StringValue{VID: s.VID, Value: removed}}, nil
}

func (t *Tree) applyStringSet(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	s, ok := target.(*StringValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a string")
	}
	old := &StringValue{VID: s.VID, Value: s.Value}
	s.Value = op.StrValue
	return AppliedOperation{DiscreteOperation: op, OldValue: old}, nil
}

func (t *Tree) applyArrayInsert(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	a, ok := target.(*ArrayValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an array")
	}
	if op.Index < 0 || op.Index > len(a.Children) {
		return AppliedOperation{}, newApplyError(op, "index out of range")
	}
	if op.ElemValue == nil {
		return AppliedOperation{}, newApplyError(op, "missing element value")
	}
	a.Children = append(a.Children, nil)
	copy(a.Children[op.Index+1:], a.Children[op.Index:])
	a.Children[op.Index] = op.ElemValue
	t.indexAdd(op.ElemValue)
	return AppliedOperation{DiscreteOperation: op}, nil
}

func (t *Tree) applyArrayRemove(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	a, ok := target.(*ArrayValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an array")
	}
	if op.Index < 0 || op.Index >= len(a.Children) {
		return AppliedOperation{}, newApplyError(op, "index out of range")
	}
	removed := a.Children[op.Index]
	a.Children = append(a.Children[:op.Index], a.Children[op.Index+1:]...)
	t.indexRemove(removed)
	return AppliedOperation{DiscreteOperation: op, OldValue: removed}, nil
}

func (t *Tree) applyArrayReplace(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	a, ok := target.(*ArrayValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an array")
	}
	if op.Index < 0 || op.Index >= len(a.Children) {
		return AppliedOperation{}, newApplyError(op, "index out of range")
	}
	if op.ElemValue == nil {
		return AppliedOperation{}, newApplyError(op, "missing element value")
	}
	old := a.Children[op.Index]
	t.indexRemove(old)
	a.Children[op.Index] = op.ElemValue
	t.indexAdd(op.ElemValue)
	return AppliedOperation{DiscreteOperation: op, OldValue: old}, nil
}

func (t *Tree) applyArrayMove(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	a, ok := target.(*ArrayValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an array")
	}
	if op.FromIndex < 0 || op.FromIndex >= len(a.Children) || op.ToIndex < 0 || op.ToIndex >= len(a.Children) {
		return AppliedOperation{}, newApplyError(op, "index out of range")
	}
	elem := a.Children[op.FromIndex]
	a.Children = append(a.Children[:op.FromIndex], a.Children[op.FromIndex+1:]...)
	a.Children = append(a.Children, nil)
	copy(a.Children[op.ToIndex+1:], a.Children[op.ToIndex:])
	a.Children[op.ToIndex] = elem
	return AppliedOperation{DiscreteOperation: op}, nil
}

func (t *Tree) applyArraySet(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	a, ok := target.(*ArrayValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an array")
	}
	old := &ArrayValue{VID: a.VID, Children: a.Children}
	for _, c := range a.Children {
		t.indexRemove(c)
	}
	a.Children = op.ArrValues
	for _, c := range a.Children {
		t.indexAdd(c)
	}
	return AppliedOperation{DiscreteOperation: op, OldValue: old}, nil
}

func (t *Tree) applyObjectAddProperty(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	o, ok := target.(*ObjectValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an object")
	}
	if _, exists := o.Children[op.Property]; exists {
		return AppliedOperation{}, newApplyError(op, "property already exists")
	}
	if op.PropValue == nil {
		return AppliedOperation{}, newApplyError(op, "missing property value")
	}
	o.Children[op.Property] = op.PropValue
	t.indexAdd(op.PropValue)
	return AppliedOperation{DiscreteOperation: op}, nil
}

func (t *Tree) applyObjectSetProperty(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	o, ok := target.(*ObjectValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an object")
	}
	if op.PropValue == nil {
		return AppliedOperation{}, newApplyError(op, "missing property value")
	}
	old, existed := o.Children[op.Property]
	if existed {
		t.indexRemove(old)
	}
	o.Children[op.Property] = op.PropValue
	t.indexAdd(op.PropValue)
	if existed {
		return AppliedOperation{DiscreteOperation: op, OldValue: old}, nil
	}
	return AppliedOperation{DiscreteOperation: op}, nil
}

func (t *Tree) applyObjectRemoveProperty(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	o, ok := target.(*ObjectValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an object")
	}
	old, existed := o.Children[op.Property]
	if !existed {
		return AppliedOperation{}, newApplyError(op, "property does not exist")
	}
	delete(o.Children, op.Property)
	t.indexRemove(old)
	return AppliedOperation{DiscreteOperation: op, OldValue: old}, nil
}

func (t *Tree) applyObjectSet(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	o, ok := target.(*ObjectValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not an object")
	}
	old := &ObjectValue{VID: o.VID, Children: o.Children}
	for _, c := range o.Children {
		t.indexRemove(c)
	}
	o.Children = op.ObjValues
	for _, c := range o.Children {
		t.indexAdd(c)
	}
	return AppliedOperation{DiscreteOperation: op, OldValue: old}, nil
}

func (t *Tree) applyNumberAdd(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	d, ok := target.(*DoubleValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a double")
	}
	old := d.Value
	sum := old + op.NumValue
	if isNonFinite(sum) {
		return AppliedOperation{}, newApplyError(op, "result is not finite")
	}
	d.Value = sum
	return AppliedOperation{DiscreteOperation: op, OldValue: &DoubleValue{VID: d.VID, Value: old}}, nil
}

func (t *Tree) applyNumberSet(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	d, ok := target.(*DoubleValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a double")
	}
	if isNonFinite(op.NumValue) {
		return AppliedOperation{}, newApplyError(op, "value is not finite")
	}
	old := d.Value
	d.Value = op.NumValue
	return AppliedOperation{DiscreteOperation: op, OldValue: &DoubleValue{VID: d.VID, Value: old}}, nil
}

func (t *Tree) applyBooleanSet(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	b, ok := target.(*BooleanValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a boolean")
	}
	old := b.Value
	b.Value = op.BoolValue
	return AppliedOperation{DiscreteOperation: op, OldValue: &BooleanValue{VID: b.VID, Value: old}}, nil
}

func (t *Tree) applyDateSet(target DataValue, op DiscreteOperation) (AppliedOperation, error) {
	dt, ok := target.(*DateValue)
	if !ok {
		return AppliedOperation{}, newApplyError(op, "target is not a date")
	}
	old := dt.Value
	dt.Value = op.DateValue
	return AppliedOperation{DiscreteOperation: op, OldValue: &DateValue{VID: dt.VID, Value: old}}, nil
}

// isNonFinite reports NaN or +/-Inf, used to resolve spec.md's open
// question on NumberAdd overflow: the core treats a non-finite result as a
// fatal apply error rather than silently propagating NaN/Inf through
// snapshots and the wire codec.
func isNonFinite(f float64) bool {
	return f != f || f > maxFinite || f < -maxFinite
}

const maxFinite = 1.7976931348623157e+308
