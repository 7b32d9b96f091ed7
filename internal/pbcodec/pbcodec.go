// Package pbcodec is a small hand-written wire codec built directly on
// google.golang.org/protobuf/encoding/protowire. It gives the three
// message families in internal/trackerpb, internal/peerpb, and
// internal/controlpb a protobuf-compatible byte layout without a protoc
// code-generation step: each message type writes its own Marshal/Unmarshal
// using the helpers here, the same way a generated file would call into
// the protowire primitives.
package pbcodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers start at 1, matching protobuf convention.

func AppendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func AppendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	var u uint64
	if v {
		u = 1
	}
	return protowire.AppendVarint(b, u)
}

func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Field is a single decoded (number, value-bytes, wire-type) tuple, used
// by each message type's Unmarshal loop to dispatch on field number
// without redoing varint-length bookkeeping itself.
type Field struct {
	Num  protowire.Number
	Type protowire.Type
	// Raw holds the consumed bytes' sub-slice for BytesType fields, or is
	// nil for VarintType fields (use Varint instead). Fixed-width fields are
	// skipped by Each and never reach fn.
	Raw    []byte
	Varint uint64
}

// Each iterates the fields of a serialized message, calling fn for each
// one. It stops and returns fn's error if fn returns non-nil.
func Each(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("pbcodec: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("pbcodec: bad varint: %w", protowire.ParseError(n))
			}
			if err := fn(Field{Num: num, Type: typ, Varint: v}); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("pbcodec: bad bytes: %w", protowire.ParseError(n))
			}
			if err := fn(Field{Num: num, Type: typ, Raw: v}); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("pbcodec: bad field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
