package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rectcircle/convergence-server/internal/model"
)

// compoundOpKind is the sentinel opKind byte (0) marking a CompoundOperation
// in the wire format, per spec.md section 6: "Compound ops are opKind=0,
// count:u32, [sub-op]*". Every real OpKind starts at 1 (model.StringInsert),
// so the two never collide.
const compoundOpKind = 0

// EncodeOperation serializes op (discrete or compound) to its canonical
// wire form.
func EncodeOperation(op model.Operation) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeOperation(&buf, op); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeOperation(buf *bytes.Buffer, op model.Operation) error {
	switch v := op.(type) {
	case model.CompoundOperation:
		buf.WriteByte(compoundOpKind)
		writeU32(buf, uint32(len(v.Ops)))
		for _, sub := range v.Ops {
			if err := encodeDiscrete(buf, sub); err != nil {
				return err
			}
		}
		return nil
	case model.DiscreteOperation:
		return encodeDiscrete(buf, v)
	default:
		return fmt.Errorf("wire: unknown Operation implementation %T", op)
	}
}

// DecodeOperation parses a wire-encoded Operation.
func DecodeOperation(b []byte) (model.Operation, error) {
	r := bytes.NewReader(b)
	op, err := decodeOperation(r)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func decodeOperation(r *bytes.Reader) (model.Operation, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: read op kind: %w", err)
	}
	if kindByte == compoundOpKind {
		count, err := readU32(r)
		if err != nil {
			return nil, err
		}
		ops := make([]model.DiscreteOperation, 0, count)
		for i := uint32(0); i < count; i++ {
			d, err := decodeDiscreteBody(r)
			if err != nil {
				return nil, err
			}
			ops = append(ops, d)
		}
		return model.CompoundOperation{Ops: ops}, nil
	}
	return decodeDiscreteBodyWithKind(r, model.OpKind(kindByte))
}

// EncodeDiscreteOperation serializes a single discrete operation, used for
// operation log entries (spec.md section 3: the log only ever stores
// AppliedOperation, which embeds a DiscreteOperation).
func EncodeDiscreteOperation(op model.DiscreteOperation) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeDiscrete(&buf, op); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDiscreteOperation parses a single discrete operation.
func DecodeDiscreteOperation(b []byte) (model.DiscreteOperation, error) {
	r := bytes.NewReader(b)
	return decodeDiscreteBody(r)
}

func decodeDiscreteBody(r *bytes.Reader) (model.DiscreteOperation, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return model.DiscreteOperation{}, fmt.Errorf("wire: read discrete op kind: %w", err)
	}
	return decodeDiscreteBodyWithKind(r, model.OpKind(kindByte))
}

func encodeDiscrete(buf *bytes.Buffer, op model.DiscreteOperation) error {
	buf.WriteByte(byte(op.Kind))
	writeString(buf, string(op.VID))
	if op.NoOp {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	switch op.Kind {
	case model.StringInsert, model.StringRemove:
		writeU32(buf, uint32(op.Index))
		writeString(buf, op.StrValue)
	case model.StringSet:
		writeString(buf, op.StrValue)
	case model.ArrayInsert:
		writeU32(buf, uint32(op.Index))
		return encodeValue(buf, op.ElemValue)
	case model.ArrayRemove:
		writeU32(buf, uint32(op.Index))
	case model.ArrayReplace:
		writeU32(buf, uint32(op.Index))
		return encodeValue(buf, op.ElemValue)
	case model.ArrayMove:
		writeU32(buf, uint32(op.FromIndex))
		writeU32(buf, uint32(op.ToIndex))
	case model.ArraySet:
		writeU32(buf, uint32(len(op.ArrValues)))
		for _, v := range op.ArrValues {
			if err := encodeValue(buf, v); err != nil {
				return err
			}
		}
	case model.ObjectAddProperty, model.ObjectSetProperty:
		writeString(buf, op.Property)
		return encodeValue(buf, op.PropValue)
	case model.ObjectRemoveProperty:
		writeString(buf, op.Property)
	case model.ObjectSet:
		writeU32(buf, uint32(len(op.ObjValues)))
		for k, v := range op.ObjValues {
			writeString(buf, k)
			if err := encodeValue(buf, v); err != nil {
				return err
			}
		}
	case model.NumberAdd, model.NumberSet:
		writeF64(buf, op.NumValue)
	case model.BooleanSet:
		if op.BoolValue {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case model.DateSet:
		writeI64(buf, op.DateValue.UnixMilli())
	default:
		return fmt.Errorf("wire: unknown op kind %d", op.Kind)
	}
	return nil
}

func decodeDiscreteBodyWithKind(r *bytes.Reader, kind model.OpKind) (model.DiscreteOperation, error) {
	vidStr, err := readString(r)
	if err != nil {
		return model.DiscreteOperation{}, err
	}
	noOpByte, err := r.ReadByte()
	if err != nil {
		return model.DiscreteOperation{}, err
	}
	op := model.DiscreteOperation{Kind: kind, VID: model.Vid(vidStr), NoOp: noOpByte != 0}

	switch kind {
	case model.StringInsert, model.StringRemove:
		idx, err := readU32(r)
		if err != nil {
			return op, err
		}
		s, err := readString(r)
		if err != nil {
			return op, err
		}
		op.Index, op.StrValue = int(idx), s
	case model.StringSet:
		s, err := readString(r)
		if err != nil {
			return op, err
		}
		op.StrValue = s
	case model.ArrayInsert:
		idx, err := readU32(r)
		if err != nil {
			return op, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return op, err
		}
		op.Index, op.ElemValue = int(idx), v
	case model.ArrayRemove:
		idx, err := readU32(r)
		if err != nil {
			return op, err
		}
		op.Index = int(idx)
	case model.ArrayReplace:
		idx, err := readU32(r)
		if err != nil {
			return op, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return op, err
		}
		op.Index, op.ElemValue = int(idx), v
	case model.ArrayMove:
		from, err := readU32(r)
		if err != nil {
			return op, err
		}
		to, err := readU32(r)
		if err != nil {
			return op, err
		}
		op.FromIndex, op.ToIndex = int(from), int(to)
	case model.ArraySet:
		count, err := readU32(r)
		if err != nil {
			return op, err
		}
		values := make([]model.DataValue, 0, count)
		for i := uint32(0); i < count; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return op, err
			}
			values = append(values, v)
		}
		op.ArrValues = values
	case model.ObjectAddProperty, model.ObjectSetProperty:
		prop, err := readString(r)
		if err != nil {
			return op, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return op, err
		}
		op.Property, op.PropValue = prop, v
	case model.ObjectRemoveProperty:
		prop, err := readString(r)
		if err != nil {
			return op, err
		}
		op.Property = prop
	case model.ObjectSet:
		count, err := readU32(r)
		if err != nil {
			return op, err
		}
		values := make(map[string]model.DataValue, count)
		for i := uint32(0); i < count; i++ {
			k, err := readString(r)
			if err != nil {
				return op, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return op, err
			}
			values[k] = v
		}
		op.ObjValues = values
	case model.NumberAdd, model.NumberSet:
		f, err := readF64(r)
		if err != nil {
			return op, err
		}
		op.NumValue = f
	case model.BooleanSet:
		b, err := r.ReadByte()
		if err != nil {
			return op, err
		}
		op.BoolValue = b != 0
	case model.DateSet:
		millis, err := readI64(r)
		if err != nil {
			return op, err
		}
		op.DateValue = time.UnixMilli(millis).UTC()
	default:
		return op, fmt.Errorf("wire: unknown op kind %d", kind)
	}
	return op, nil
}
