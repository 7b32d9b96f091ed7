package tracker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/basarevych/tunneld/internal/trackerpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/stretchr/testify/require"
)

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// fakeTracker accepts a single TLS connection and lets the test script its
// responses, standing in for a real tracker server.
type fakeTracker struct {
	ln    net.Listener
	connC chan net.Conn
}

func startFakeTracker(t *testing.T, serverTLS *tls.Config) *fakeTracker {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ft := &fakeTracker{ln: ln, connC: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ft.connC <- conn
	}()
	return ft
}

func (ft *fakeTracker) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-ft.connC:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("tracker never accepted a connection")
		return nil
	}
}

func TestRegisterAcceptedMarksRegistered(t *testing.T) {
	serverTLS := selfSignedTLSConfig(t)
	ft := startFakeTracker(t, serverTLS)

	registeredCh := make(chan struct{}, 1)
	c := New(Config{
		Name:      "trk",
		Addr:      ft.ln.Addr().String(),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Token:     "tok",
		Callbacks: Callbacks{OnRegistered: func() { registeredCh <- struct{}{} }},
	})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := ft.accept(t)
	defer conn.Close()
	codec := wire.NewCodec(conn)

	frame, err := codec.ReadFrame()
	require.NoError(t, err)
	req, err := trackerpb.UnmarshalClientMessage(frame)
	require.NoError(t, err)
	require.Equal(t, trackerpb.ClientRegisterDaemonRequest, req.Type)
	require.Equal(t, "tok", req.Token)

	resp := &trackerpb.ServerMessage{
		MessageID: req.MessageID,
		Type:      trackerpb.ServerRegisterDaemonResponse,
		Result:    trackerpb.ResultAccepted,
	}
	require.NoError(t, codec.WriteFrame(resp.Marshal()))

	select {
	case <-registeredCh:
	case <-time.After(2 * time.Second):
		t.Fatal("never became registered")
	}
	require.True(t, c.Registered())
}

func TestUnsolicitedServerAvailableDispatches(t *testing.T) {
	serverTLS := selfSignedTLSConfig(t)
	ft := startFakeTracker(t, serverTLS)

	availCh := make(chan *trackerpb.ServerMessage, 1)
	c := New(Config{
		Name:      "trk",
		Addr:      ft.ln.Addr().String(),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Callbacks: Callbacks{OnServerAvailable: func(msg *trackerpb.ServerMessage) { availCh <- msg }},
	})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := ft.accept(t)
	defer conn.Close()
	codec := wire.NewCodec(conn)

	evt := &trackerpb.ServerMessage{Type: trackerpb.ServerAvailable, ConnectionName: "p/q"}
	require.NoError(t, codec.WriteFrame(evt.Marshal()))

	select {
	case msg := <-availCh:
		require.Equal(t, "p/q", msg.ConnectionName)
	case <-time.After(2 * time.Second):
		t.Fatal("never dispatched server_available")
	}
}

func TestRequestTimesOutWhenUnanswered(t *testing.T) {
	serverTLS := selfSignedTLSConfig(t)
	ft := startFakeTracker(t, serverTLS)

	c := New(Config{
		Name:      "trk",
		Addr:      ft.ln.Addr().String(),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	conn := ft.accept(t)
	defer conn.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	_, err := c.Request(reqCtx, &trackerpb.ClientMessage{Type: trackerpb.ClientStatusReport})
	require.Error(t, err)
}
