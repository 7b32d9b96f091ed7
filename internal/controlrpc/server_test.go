package controlrpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/basarevych/tunneld/internal/connlist"
	"github.com/basarevych/tunneld/internal/controlpb"
	"github.com/basarevych/tunneld/internal/trackerpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeTrackerClient struct {
	registered bool
	resp       *trackerpb.ServerMessage
	err        error
}

func (f *fakeTrackerClient) Request(ctx context.Context, msg *trackerpb.ClientMessage) (*trackerpb.ServerMessage, error) {
	return f.resp, f.err
}
func (f *fakeTrackerClient) Registered() bool { return f.registered }

type fakeTrackers struct {
	m map[string]TrackerRequester
}

func (f *fakeTrackers) Get(name string) (TrackerRequester, bool) {
	t, ok := f.m[name]
	return t, ok
}

func startTestServer(t *testing.T, handlers Handlers) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	s := New(Config{SocketPath: sockPath, Handlers: handlers})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Serve(ctx)
	waitForSocket(t, sockPath)
	return sockPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("control socket never came up")
}

func roundTrip(t *testing.T, sockPath string, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	codec := wire.NewCodec(conn)
	require.NoError(t, codec.WriteFrame(req.Marshal()))
	frame, err := codec.ReadFrame()
	require.NoError(t, err)
	resp, err := controlpb.UnmarshalServerMessage(frame)
	require.NoError(t, err)
	return resp
}

func TestStatusReportsNoTrackerWhenUnknown(t *testing.T) {
	list, err := connlist.Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)
	handlers := &DefaultHandlers{Trackers: &fakeTrackers{m: map[string]TrackerRequester{}}, List: list}
	sock := startTestServer(t, handlers)

	resp := roundTrip(t, sock, &controlpb.ClientMessage{RequestID: "r1", Type: controlpb.ReqStatus, Tracker: "trk"})
	require.Equal(t, controlpb.RespNoTracker, resp.Code)
	require.Equal(t, "r1", resp.RequestID)
}

func TestStatusReportsConnectedFromTracker(t *testing.T) {
	list, err := connlist.Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)
	handlers := &DefaultHandlers{
		Trackers: &fakeTrackers{m: map[string]TrackerRequester{"trk": &fakeTrackerClient{registered: true}}},
		List:     list,
	}
	sock := startTestServer(t, handlers)

	resp := roundTrip(t, sock, &controlpb.ClientMessage{Type: controlpb.ReqStatus, Tracker: "trk"})
	require.Equal(t, controlpb.RespAccepted, resp.Code)
	require.True(t, resp.Connected)
}

func TestGetConnectionsReturnsActiveList(t *testing.T) {
	list, err := connlist.Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)
	list.Update("trk", "alice/db", true, &trackerpb.ConnectionDescriptor{})
	handlers := &DefaultHandlers{Trackers: &fakeTrackers{m: map[string]TrackerRequester{}}, List: list}
	sock := startTestServer(t, handlers)

	resp := roundTrip(t, sock, &controlpb.ClientMessage{Type: controlpb.ReqGetConnections, Tracker: "trk"})
	require.Equal(t, controlpb.RespAccepted, resp.Code)
	require.Len(t, resp.Connections, 1)
	require.Equal(t, "alice/db", resp.Connections[0].Path)
}

func TestAttachRelaysToTrackerAndMapsResult(t *testing.T) {
	list, err := connlist.Load(filepath.Join(t.TempDir(), "connections.json"))
	require.NoError(t, err)
	handlers := &DefaultHandlers{
		Trackers: &fakeTrackers{m: map[string]TrackerRequester{
			"trk": &fakeTrackerClient{registered: true, resp: &trackerpb.ServerMessage{Result: trackerpb.ResultAccepted}},
		}},
		List: list,
	}
	sock := startTestServer(t, handlers)

	resp := roundTrip(t, sock, &controlpb.ClientMessage{Type: controlpb.ReqAttach, Tracker: "trk", Path: "alice/db"})
	require.Equal(t, controlpb.RespAccepted, resp.Code)
}
