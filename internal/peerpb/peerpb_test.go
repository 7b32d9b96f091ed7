package peerpb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestOuterMessageRoundTrip(t *testing.T) {
	cases := []*OuterMessage{
		{Type: OuterConnectRequest, ConnectionName: "alice@example/echo", Identity: []byte("id"), PublicKey: []byte("pk"), Signature: []byte("sig")},
		{Type: OuterConnectResponse, Result: ResultAccepted},
		{Type: OuterBye},
		{Type: OuterData, Payload: []byte("inner-bytes")},
		{Type: OuterEncryptedData, Nonce: []byte("nonce"), Ciphertext: []byte("cipher")},
	}
	for _, want := range cases {
		got, err := UnmarshalOuterMessage(want.Marshal())
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestInnerMessageRoundTrip(t *testing.T) {
	cases := []*InnerMessage{
		{Type: InnerOpen, ID: 7},
		{Type: InnerData, ID: 7, Data: []byte("HELLO")},
		{Type: InnerClose, ID: 7},
	}
	for _, want := range cases {
		got, err := UnmarshalInnerMessage(want.Marshal())
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	m := &OuterMessage{Type: OuterBye}
	b := m.Marshal()
	// Append an unknown field (number 99) — must not break decoding.
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	_, err := UnmarshalOuterMessage(b)
	require.NoError(t, err)
}
