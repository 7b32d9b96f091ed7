// Package controlrpc implements the local control socket (spec.md §4.7): a
// length-prefixed protobuf request/response stream accepted on a
// filesystem-scoped unix socket, dispatching each request to a Handlers
// method.
package controlrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/basarevych/tunneld/internal/controlpb"
	"github.com/basarevych/tunneld/internal/wire"
)

// SocketMode is the filesystem permission spec.md §4.7 requires: owned by
// the daemon user, group-readable/writable, no world access.
const SocketMode = 0660

// Handlers implements one method per controlpb.RequestType. Most translate
// into a tracker request and forward the result; a handful act purely on
// local state (spec.md §4.7).
type Handlers interface {
	Init(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Confirm(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	CreateDaemon(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	DeleteDaemon(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Create(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Delete(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Attach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Detach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	RemoteAttach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	RemoteDetach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Tree(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	DaemonsList(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	ConnectionsList(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	SetConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	GetConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Import(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	ImportConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	UpdateConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	RedeemMaster(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	RedeemDaemon(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	RedeemPath(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	SetToken(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
	Status(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage
}

// Server accepts connections on a unix socket and dispatches each frame to
// Handlers.
type Server struct {
	sockPath string
	handlers Handlers
	log      *slog.Logger
	pool     pond.Pool

	mu sync.Mutex
	ln net.Listener
}

// Config configures a Server.
type Config struct {
	SocketPath string
	Handlers   Handlers
	Logger     *slog.Logger
	PoolSize   int
}

// New constructs a Server. Call Serve to start accepting connections.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 32
	}
	return &Server{
		sockPath: cfg.SocketPath,
		handlers: cfg.Handlers,
		log:      cfg.Logger.With("component", "controlrpc"),
		pool:     pond.NewPool(cfg.PoolSize),
	}
}

// Serve binds the unix socket, sets its mode, and accepts connections until
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.sockPath)
	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return fmt.Errorf("controlrpc: listen %s: %w", s.sockPath, err)
	}
	if err := os.Chmod(s.sockPath, SocketMode); err != nil {
		ln.Close()
		return fmt.Errorf("controlrpc: chmod %s: %w", s.sockPath, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("controlrpc: accept: %w", err)
			}
		}
		s.pool.Submit(func() { s.serveConn(ctx, conn) })
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	_ = os.Remove(s.sockPath)
	s.pool.StopAndWait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := wire.NewCodec(conn)
	for {
		frame, err := codec.ReadFrame()
		if err != nil {
			return
		}
		req, err := controlpb.UnmarshalClientMessage(frame)
		if err != nil {
			s.log.Warn("bad control request frame", "error", err)
			return
		}
		resp := s.dispatch(ctx, req)
		resp.RequestID = req.RequestID
		if err := codec.WriteFrame(resp.Marshal()); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	switch req.Type {
	case controlpb.ReqInit:
		return s.handlers.Init(ctx, req)
	case controlpb.ReqConfirm:
		return s.handlers.Confirm(ctx, req)
	case controlpb.ReqCreateDaemon:
		return s.handlers.CreateDaemon(ctx, req)
	case controlpb.ReqDeleteDaemon:
		return s.handlers.DeleteDaemon(ctx, req)
	case controlpb.ReqCreate:
		return s.handlers.Create(ctx, req)
	case controlpb.ReqDelete:
		return s.handlers.Delete(ctx, req)
	case controlpb.ReqAttach:
		return s.handlers.Attach(ctx, req)
	case controlpb.ReqDetach:
		return s.handlers.Detach(ctx, req)
	case controlpb.ReqRemoteAttach:
		return s.handlers.RemoteAttach(ctx, req)
	case controlpb.ReqRemoteDetach:
		return s.handlers.RemoteDetach(ctx, req)
	case controlpb.ReqTree:
		return s.handlers.Tree(ctx, req)
	case controlpb.ReqDaemonsList:
		return s.handlers.DaemonsList(ctx, req)
	case controlpb.ReqConnectionsList:
		return s.handlers.ConnectionsList(ctx, req)
	case controlpb.ReqSetConnections:
		return s.handlers.SetConnections(ctx, req)
	case controlpb.ReqGetConnections:
		return s.handlers.GetConnections(ctx, req)
	case controlpb.ReqImport:
		return s.handlers.Import(ctx, req)
	case controlpb.ReqImportConnections:
		return s.handlers.ImportConnections(ctx, req)
	case controlpb.ReqUpdateConnections:
		return s.handlers.UpdateConnections(ctx, req)
	case controlpb.ReqRedeemMaster:
		return s.handlers.RedeemMaster(ctx, req)
	case controlpb.ReqRedeemDaemon:
		return s.handlers.RedeemDaemon(ctx, req)
	case controlpb.ReqRedeemPath:
		return s.handlers.RedeemPath(ctx, req)
	case controlpb.ReqSetToken:
		return s.handlers.SetToken(ctx, req)
	case controlpb.ReqStatus:
		return s.handlers.Status(ctx, req)
	default:
		return &controlpb.ServerMessage{Code: controlpb.RespRejected, Message: "unknown request type"}
	}
}
