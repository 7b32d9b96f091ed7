package peerpb

import (
	"fmt"

	"github.com/basarevych/tunneld/internal/pbcodec"
	"google.golang.org/protobuf/encoding/protowire"
)

// InnerType enumerates the substream messages multiplexed inside a peer
// session's DATA/ENCRYPTED_DATA outer payload.
type InnerType uint32

const (
	InnerUnknown InnerType = iota
	InnerOpen
	InnerData
	InnerClose
)

func (t InnerType) String() string {
	switch t {
	case InnerOpen:
		return "OPEN"
	case InnerData:
		return "DATA"
	case InnerClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// InnerMessage is one multiplexed substream event: OPEN{id}, DATA{id,
// bytes}, or CLOSE{id}, per spec.md §4.3.
type InnerMessage struct {
	Type InnerType
	ID   uint32
	Data []byte
}

const (
	fInnerType protowire.Number = iota + 1
	fInnerID
	fInnerData
)

// Marshal serializes m into its protobuf-compatible wire form.
func (m *InnerMessage) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendUint32(b, fInnerType, uint32(m.Type))
	b = pbcodec.AppendUint32(b, fInnerID, m.ID)
	if m.Type == InnerData {
		b = pbcodec.AppendBytes(b, fInnerData, m.Data)
	}
	return b
}

// UnmarshalInnerMessage decodes a wire-form inner message.
func UnmarshalInnerMessage(b []byte) (*InnerMessage, error) {
	m := &InnerMessage{}
	err := pbcodec.Each(b, func(f pbcodec.Field) error {
		switch f.Num {
		case fInnerType:
			m.Type = InnerType(f.Varint)
		case fInnerID:
			m.ID = uint32(f.Varint)
		case fInnerData:
			m.Data = append([]byte(nil), f.Raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peerpb: unmarshal inner message: %w", err)
	}
	return m, nil
}
