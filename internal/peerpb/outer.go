// Package peerpb defines the outer and inner message schemas carried over
// a peer session, per spec.md §4.3 and §6. Both are framed with
// internal/wire and encoded with internal/pbcodec.
package peerpb

import (
	"fmt"

	"github.com/basarevych/tunneld/internal/pbcodec"
	"google.golang.org/protobuf/encoding/protowire"
)

// OuterType enumerates the outer-message kinds exchanged over a peer
// session's reliable-UDP stream.
type OuterType uint32

const (
	OuterUnknown OuterType = iota
	OuterConnectRequest
	OuterConnectResponse
	OuterBye
	OuterData
	OuterEncryptedData
)

func (t OuterType) String() string {
	switch t {
	case OuterConnectRequest:
		return "CONNECT_REQUEST"
	case OuterConnectResponse:
		return "CONNECT_RESPONSE"
	case OuterBye:
		return "BYE"
	case OuterData:
		return "DATA"
	case OuterEncryptedData:
		return "ENCRYPTED_DATA"
	default:
		return "UNKNOWN"
	}
}

// ConnectResult mirrors the spec's ACCEPTED/REJECTED outcome for
// ConnectResponse.
type ConnectResult uint32

const (
	ResultUnspecified ConnectResult = iota
	ResultAccepted
	ResultRejected
)

// OuterMessage is the envelope for every frame on a peer session's
// reliable-UDP stream.
type OuterMessage struct {
	Type OuterType

	// CONNECT_REQUEST
	ConnectionName string
	Identity       []byte
	PublicKey      []byte
	Signature      []byte

	// CONNECT_RESPONSE
	Result ConnectResult

	// DATA (plaintext inner message bytes)
	Payload []byte

	// ENCRYPTED_DATA
	Nonce      []byte
	Ciphertext []byte
}

const (
	fOuterType protowire.Number = iota + 1
	fConnectionName
	fIdentity
	fPublicKey
	fSignature
	fResult
	fPayload
	fNonce
	fCiphertext
)

// Marshal serializes m into its protobuf-compatible wire form.
func (m *OuterMessage) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendUint32(b, fOuterType, uint32(m.Type))
	switch m.Type {
	case OuterConnectRequest:
		b = pbcodec.AppendString(b, fConnectionName, m.ConnectionName)
		b = pbcodec.AppendBytes(b, fIdentity, m.Identity)
		b = pbcodec.AppendBytes(b, fPublicKey, m.PublicKey)
		b = pbcodec.AppendBytes(b, fSignature, m.Signature)
	case OuterConnectResponse:
		b = pbcodec.AppendUint32(b, fResult, uint32(m.Result))
	case OuterData:
		b = pbcodec.AppendBytes(b, fPayload, m.Payload)
	case OuterEncryptedData:
		b = pbcodec.AppendBytes(b, fNonce, m.Nonce)
		b = pbcodec.AppendBytes(b, fCiphertext, m.Ciphertext)
	case OuterBye:
		// no payload
	}
	return b
}

// UnmarshalOuterMessage decodes a wire-form outer message. Unknown field
// numbers are ignored, per spec.md §6 ("Unknown enum values are ignored").
func UnmarshalOuterMessage(b []byte) (*OuterMessage, error) {
	m := &OuterMessage{}
	err := pbcodec.Each(b, func(f pbcodec.Field) error {
		switch f.Num {
		case fOuterType:
			m.Type = OuterType(f.Varint)
		case fConnectionName:
			m.ConnectionName = string(f.Raw)
		case fIdentity:
			m.Identity = append([]byte(nil), f.Raw...)
		case fPublicKey:
			m.PublicKey = append([]byte(nil), f.Raw...)
		case fSignature:
			m.Signature = append([]byte(nil), f.Raw...)
		case fResult:
			m.Result = ConnectResult(f.Varint)
		case fPayload:
			m.Payload = append([]byte(nil), f.Raw...)
		case fNonce:
			m.Nonce = append([]byte(nil), f.Raw...)
		case fCiphertext:
			m.Ciphertext = append([]byte(nil), f.Raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peerpb: unmarshal outer message: %w", err)
	}
	return m, nil
}
