package cli

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/basarevych/tunneld/internal/controlpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/stretchr/testify/require"
)

func startFakeDaemon(t *testing.T, resp *controlpb.ServerMessage) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "tunneld.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		codec := wire.NewCodec(conn)
		frame, err := codec.ReadFrame()
		if err != nil {
			return
		}
		req, err := controlpb.UnmarshalClientMessage(frame)
		if err != nil {
			return
		}
		resp.RequestID = req.RequestID
		_ = codec.WriteFrame(resp.Marshal())
	}()

	return sockPath
}

func TestSendRoundTripsRequestResponse(t *testing.T) {
	sockPath := startFakeDaemon(t, &controlpb.ServerMessage{Code: controlpb.RespAccepted, Message: "ok"})

	resp, err := send(sockPath, &controlpb.ClientMessage{Type: controlpb.ReqStatus, Tracker: "t1"})
	require.NoError(t, err)
	require.Equal(t, controlpb.RespAccepted, resp.Code)
	require.Equal(t, "ok", resp.Message)
}

func TestCodeToExitMapsAcceptedToSuccess(t *testing.T) {
	require.Equal(t, ExitSuccess, codeToExit(controlpb.RespAccepted))
	require.Equal(t, ExitError, codeToExit(controlpb.RespRejected))
	require.Equal(t, ExitError, codeToExit(controlpb.RespNotRegistered))
}

func TestCodeStringRecognizesKnownCodes(t *testing.T) {
	require.Equal(t, "accepted", codeString(controlpb.RespAccepted))
	require.Equal(t, "no-tracker", codeString(controlpb.RespNoTracker))
}
