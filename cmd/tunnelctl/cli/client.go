// Package cli implements tunnelctl, a thin client for the local control
// socket. It has no business logic of its own: every subcommand marshals
// one controlpb.ClientMessage, sends it down the socket, and prints the
// ServerMessage it gets back. Installer, help text, log rotation and
// service-manager integration live outside this binary.
package cli

import (
	"fmt"
	"net"
	"time"

	"github.com/basarevych/tunneld/internal/controlpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/google/uuid"
)

// Exit codes, per spec.md §6.
const (
	ExitSuccess  = 0
	ExitError    = 1
	ExitUnsupported = 2
)

// dialTimeout bounds how long we wait for the daemon's control socket to
// accept a connection before giving up.
const dialTimeout = 3 * time.Second

func send(socketPath string, req *controlpb.ClientMessage) (*controlpb.ServerMessage, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	codec := wire.NewCodec(conn)
	if err := codec.WriteFrame(req.Marshal()); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp, err := controlpb.UnmarshalServerMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// codeToExit maps a response code to a process exit code. RespAccepted is
// the only success; everything else is a rejection of some kind.
func codeToExit(code controlpb.ResponseCode) int {
	if code == controlpb.RespAccepted {
		return ExitSuccess
	}
	return ExitError
}

func codeString(code controlpb.ResponseCode) string {
	switch code {
	case controlpb.RespUnspecified:
		return "unspecified"
	case controlpb.RespAccepted:
		return "accepted"
	case controlpb.RespRejected:
		return "rejected"
	case controlpb.RespNotRegistered:
		return "not-registered"
	case controlpb.RespNoTracker:
		return "no-tracker"
	case controlpb.RespTimeout:
		return "timeout"
	case controlpb.RespInvalidPath:
		return "invalid-path"
	case controlpb.RespPathExists:
		return "path-exists"
	case controlpb.RespNotFound:
		return "not-found"
	case controlpb.RespAlreadyConnected:
		return "already-connected"
	case controlpb.RespNotAttached:
		return "not-attached"
	default:
		return fmt.Sprintf("code(%d)", code)
	}
}
