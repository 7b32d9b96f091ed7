package controlrpc

import (
	"context"
	"fmt"

	"github.com/basarevych/tunneld/internal/config"
	"github.com/basarevych/tunneld/internal/connlist"
	"github.com/basarevych/tunneld/internal/controlpb"
	"github.com/basarevych/tunneld/internal/trackerpb"
)

// TrackerRequester is the subset of tracker.Client the default handlers
// need: send a request, block for its correlated response.
type TrackerRequester interface {
	Request(ctx context.Context, msg *trackerpb.ClientMessage) (*trackerpb.ServerMessage, error)
	Registered() bool
}

// Trackers resolves a configured tracker name to its client.
type Trackers interface {
	Get(name string) (TrackerRequester, bool)
}

// DefaultHandlers implements Handlers by relaying to a tracker and reading
// the connections-list directly for the purely-local request kinds named
// in spec.md §4.7.
type DefaultHandlers struct {
	Trackers Trackers
	List     *connlist.List
	Config   *config.Config
}

func (h *DefaultHandlers) resolveTracker(name string) (TrackerRequester, *controlpb.ServerMessage) {
	trk, ok := h.Trackers.Get(name)
	if !ok {
		return nil, &controlpb.ServerMessage{Code: controlpb.RespNoTracker, Message: fmt.Sprintf("unknown tracker %q", name)}
	}
	if !trk.Registered() {
		return nil, &controlpb.ServerMessage{Code: controlpb.RespNotRegistered}
	}
	return trk, nil
}

// relay forwards req as a GENERIC_REQUEST to the named tracker and maps the
// result code back onto the control protocol's response codes.
func (h *DefaultHandlers) relay(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	trk, errResp := h.resolveTracker(req.Tracker)
	if errResp != nil {
		return errResp
	}
	token := req.Token
	if token == "" {
		token = req.ImportToken
	}
	resp, err := trk.Request(ctx, &trackerpb.ClientMessage{
		Type:           trackerpb.ClientGenericRequest,
		ConnectionName: req.Path,
		Token:          token,
	})
	if err != nil {
		return &controlpb.ServerMessage{Code: controlpb.RespTimeout, Message: err.Error()}
	}
	return &controlpb.ServerMessage{Code: mapResultCode(resp.Result), Connections: append(resp.ServerConnections, resp.ClientConnections...)}
}

func mapResultCode(r trackerpb.ResultCode) controlpb.ResponseCode {
	switch r {
	case trackerpb.ResultAccepted:
		return controlpb.RespAccepted
	case trackerpb.ResultRejected:
		return controlpb.RespRejected
	case trackerpb.ResultNotRegistered:
		return controlpb.RespNotRegistered
	default:
		return controlpb.RespRejected
	}
}

func (h *DefaultHandlers) Init(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) Confirm(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) CreateDaemon(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) DeleteDaemon(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) Create(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) Delete(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) Attach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) Detach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) RemoteAttach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) RemoteDetach(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) Tree(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) DaemonsList(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) RedeemMaster(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) RedeemDaemon(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}
func (h *DefaultHandlers) RedeemPath(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}

// ConnectionsList is the local-state counterpart of spec.md §4.5's
// reconciliation: report what connlist currently holds active for tracker,
// without touching the network.
func (h *DefaultHandlers) ConnectionsList(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	if _, ok := h.Trackers.Get(req.Tracker); !ok {
		return &controlpb.ServerMessage{Code: controlpb.RespNoTracker}
	}
	entries := h.List.Get(req.Tracker)
	descs := make([]*trackerpb.ConnectionDescriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, e.Descriptor)
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted, Connections: descs}
}

func (h *DefaultHandlers) SetConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	for _, d := range req.Connections {
		h.List.Update(req.Tracker, d.Path, d.Role == trackerpb.RoleServer, d)
	}
	if err := h.List.Save(); err != nil {
		return &controlpb.ServerMessage{Code: controlpb.RespRejected, Message: err.Error()}
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted}
}

func (h *DefaultHandlers) GetConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	entries := h.List.Get(req.Tracker)
	descs := make([]*trackerpb.ConnectionDescriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, e.Descriptor)
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted, Connections: descs}
}

func (h *DefaultHandlers) Import(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	return h.relay(ctx, req)
}

func (h *DefaultHandlers) ImportConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	h.List.Import(req.Tracker, req.ImportToken, req.Connections)
	if err := h.List.Save(); err != nil {
		return &controlpb.ServerMessage{Code: controlpb.RespRejected, Message: err.Error()}
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted}
}

func (h *DefaultHandlers) UpdateConnections(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	for _, d := range req.Connections {
		h.List.Update(req.Tracker, d.Path, d.Role == trackerpb.RoleServer, d)
	}
	if err := h.List.Save(); err != nil {
		return &controlpb.ServerMessage{Code: controlpb.RespRejected, Message: err.Error()}
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted}
}

func (h *DefaultHandlers) SetToken(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	if err := h.Config.SetToken(req.Tracker, req.Token); err != nil {
		return &controlpb.ServerMessage{Code: controlpb.RespRejected, Message: err.Error()}
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted}
}

func (h *DefaultHandlers) Status(ctx context.Context, req *controlpb.ClientMessage) *controlpb.ServerMessage {
	trk, ok := h.Trackers.Get(req.Tracker)
	if !ok {
		return &controlpb.ServerMessage{Code: controlpb.RespNoTracker}
	}
	return &controlpb.ServerMessage{Code: controlpb.RespAccepted, Connected: trk.Registered()}
}
