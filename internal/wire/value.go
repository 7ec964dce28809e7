// Package wire implements the binary encodings of spec.md section 6: the
// operation log entry format, the snapshot format, and the shared
// data-value encoding both build on. Every multi-byte integer is little
// endian; strings are length-prefixed UTF-8; compound operations are
// opKind=0 followed by a sub-op count.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/rectcircle/convergence-server/internal/model"
)

// encodeValue appends v's canonical encoding to buf.
func encodeValue(buf *bytes.Buffer, v model.DataValue) error {
	if v == nil {
		buf.WriteByte(byte(model.KindNull))
		writeString(buf, "")
		return nil
	}
	buf.WriteByte(byte(v.Kind()))
	writeString(buf, string(v.ValueID()))

	switch val := v.(type) {
	case *model.ObjectValue:
		writeU32(buf, uint32(len(val.Children)))
		for k, c := range val.Children {
			writeString(buf, k)
			if err := encodeValue(buf, c); err != nil {
				return err
			}
		}
	case *model.ArrayValue:
		writeU32(buf, uint32(len(val.Children)))
		for _, c := range val.Children {
			if err := encodeValue(buf, c); err != nil {
				return err
			}
		}
	case *model.StringValue:
		writeString(buf, val.Value)
	case *model.DoubleValue:
		writeF64(buf, val.Value)
	case *model.BooleanValue:
		if val.Value {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case *model.DateValue:
		writeI64(buf, val.Value.UnixMilli())
	case *model.NullValue:
		// no payload
	default:
		return fmt.Errorf("wire: unknown DataValue implementation %T", v)
	}
	return nil
}

func decodeValue(r *bytes.Reader) (model.DataValue, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("wire: read value kind: %w", err)
	}
	kind := model.ValueKind(kindByte)
	vidStr, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read value vid: %w", err)
	}
	vid := model.Vid(vidStr)

	switch kind {
	case model.KindObject:
		count, err := readU32(r)
		if err != nil {
			return nil, err
		}
		out := model.NewObjectValue(vid)
		for i := uint32(0); i < count; i++ {
			key, err := readString(r)
			if err != nil {
				return nil, err
			}
			child, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out.Children[key] = child
		}
		return out, nil
	case model.KindArray:
		count, err := readU32(r)
		if err != nil {
			return nil, err
		}
		out := model.NewArrayValue(vid)
		for i := uint32(0); i < count; i++ {
			child, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, child)
		}
		return out, nil
	case model.KindString:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return &model.StringValue{VID: vid, Value: s}, nil
	case model.KindDouble:
		f, err := readF64(r)
		if err != nil {
			return nil, err
		}
		return &model.DoubleValue{VID: vid, Value: f}, nil
	case model.KindBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return &model.BooleanValue{VID: vid, Value: b != 0}, nil
	case model.KindDate:
		millis, err := readI64(r)
		if err != nil {
			return nil, err
		}
		return &model.DateValue{VID: vid, Value: time.UnixMilli(millis).UTC()}, nil
	case model.KindNull:
		return &model.NullValue{VID: vid}, nil
	default:
		return nil, fmt.Errorf("wire: unknown value kind byte %d", kindByte)
	}
}

// EncodeValue serializes a standalone DataValue, for transports that need to
// move a value outside an operation or snapshot envelope (e.g. the opener's
// ClientModelDataResponse root).
func EncodeValue(v model.DataValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue parses a standalone DataValue produced by EncodeValue.
func DecodeValue(b []byte) (model.DataValue, error) {
	r := bytes.NewReader(b)
	return decodeValue(r)
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}

func readI64(r *bytes.Reader) (int64, error) {
	u, err := readU64(r)
	return int64(u), err
}

func writeF64(buf *bytes.Buffer, v float64) {
	writeU64(buf, math.Float64bits(v))
}

func readF64(r *bytes.Reader) (float64, error) {
	u, err := readU64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("wire: short read: got %d want %d", n, len(b))
	}
	return n, nil
}
