package envelope

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrFieldType is returned when a field's wire type does not match the accessor used.
var ErrFieldType = errors.New("envelope: field wire type mismatch")

// Writer appends protobuf-encoded fields. Zero values are omitted, as proto3 does.
type Writer struct {
	buf []byte
}

// NewWriter starts a frame with the common fields of e. A nil e starts an empty buffer.
func NewWriter(e *Envelope) *Writer {
	w := &Writer{}
	if e != nil {
		w.String(FieldMessageType, e.MessageType)
		w.String(FieldMessageID, e.MessageID)
	}
	return w
}

func (w *Writer) String(num protowire.Number, s string) *Writer {
	if s == "" {
		return w
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, s)
	return w
}

// Embedded appends b as a length-delimited bytes field; empty b is omitted.
func (w *Writer) Embedded(num protowire.Number, b []byte) *Writer {
	if len(b) == 0 {
		return w
	}
	return w.Message(num, b)
}

// Message appends the encoded nested message b. Unlike Embedded it is written
// even when b is empty, so an empty element of a repeated field survives.
func (w *Writer) Message(num protowire.Number, b []byte) *Writer {
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, b)
	return w
}

func (w *Writer) Int32(num protowire.Number, v int32) *Writer {
	return w.Int64(num, int64(v))
}

func (w *Writer) Int64(num protowire.Number, v int64) *Writer {
	if v == 0 {
		return w
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, uint64(v))
	return w
}

func (w *Writer) Bool(num protowire.Number, v bool) *Writer {
	if !v {
		return w
	}
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeBool(v))
	return w
}

// Bytes returns the encoded frame.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Field is one encoded field as seen by Walk.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	raw  []byte
}

func (f Field) AsString() (string, error) {
	b, err := f.AsBytes()
	return string(b), err
}

func (f Field) AsBytes() ([]byte, error) {
	if f.Type != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d", ErrFieldType, f.Num)
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, fmt.Errorf("envelope: field %d: %w", f.Num, protowire.ParseError(n))
	}
	return v, nil
}

func (f Field) AsInt64() (int64, error) {
	if f.Type != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d", ErrFieldType, f.Num)
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, fmt.Errorf("envelope: field %d: %w", f.Num, protowire.ParseError(n))
	}
	return int64(v), nil
}

func (f Field) AsInt32() (int32, error) {
	v, err := f.AsInt64()
	return int32(v), err
}

func (f Field) AsBool() (bool, error) {
	v, err := f.AsInt64()
	return v != 0, err
}

// Walk calls fn for every field in b, in order.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("envelope: tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("envelope: field %d: %w", num, protowire.ParseError(m))
		}
		if err := fn(Field{Num: num, Type: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

// Unmarshal strictly decodes b: the common fields go into env and every other
// field is handed to payload. A nil payload skips unknown fields.
func Unmarshal(b []byte, env *Envelope, payload func(Field) error) error {
	return Walk(b, func(f Field) error {
		switch f.Num {
		case FieldMessageType:
			s, err := f.AsString()
			if err != nil {
				return err
			}
			env.MessageType = s
		case FieldMessageID:
			s, err := f.AsString()
			if err != nil {
				return err
			}
			env.MessageID = s
		default:
			if payload != nil {
				return payload(f)
			}
		}
		return nil
	})
}
