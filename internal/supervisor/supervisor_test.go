package supervisor

import (
	"io"
	"net"
	"testing"

	"github.com/basarevych/tunneld/internal/peerpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestPeekConnectionNameExtractsNameAndReplaysFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		codec := wire.NewCodec(client)
		om := &peerpb.OuterMessage{Type: peerpb.OuterConnectRequest, ConnectionName: "alice/db", Identity: []byte("id")}
		_ = codec.WriteFrame(om.Marshal())
	}()

	name, wrapped, err := peekConnectionName(server)
	require.NoError(t, err)
	require.Equal(t, "alice/db", name)

	// The wrapped transport must still yield the same first frame when read
	// through a fresh codec, exactly as the session's own handshake read does.
	codec := wire.NewCodec(wrapped)
	frame, err := codec.ReadFrame()
	require.NoError(t, err)
	om, err := peerpb.UnmarshalOuterMessage(frame)
	require.NoError(t, err)
	require.Equal(t, "alice/db", om.ConnectionName)
}

func TestPeekConnectionNameRejectsNonConnectRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		codec := wire.NewCodec(client)
		om := &peerpb.OuterMessage{Type: peerpb.OuterBye}
		_ = codec.WriteFrame(om.Marshal())
	}()

	_, _, err := peekConnectionName(server)
	require.Error(t, err)
}

func TestPrefetchTransportFallsThroughAfterBuffer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	p := &prefetchTransport{underlying: server, buf: []byte("AB")}

	go func() {
		_, _ = client.Write([]byte("CD"))
	}()

	buf := make([]byte, 4)
	n, err := io.ReadFull(p, buf[:2])
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("AB"), buf[:2])

	n, err = io.ReadFull(p, buf[:2])
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("CD"), buf[:2])
}
