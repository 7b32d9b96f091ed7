// Package tracker implements the daemon's persistent control-channel link
// to a rendezvous tracker (spec.md §4.5): registration, request/response
// correlation by messageId, and dispatch of unsolicited server events.
package tracker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basarevych/tunneld/internal/trackerpb"
	"github.com/basarevych/tunneld/internal/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// RequestTimeout is T4 (spec.md §4.5): how long a client request waits for
// its correlated response before the caller observes a timeout.
const RequestTimeout = 30 * time.Second

// Callbacks dispatches the tracker's unsolicited, messageId-less events
// (spec.md §4.5).
type Callbacks struct {
	OnServerAvailable func(msg *trackerpb.ServerMessage)
	OnPeerAvailable   func(msg *trackerpb.ServerMessage)
	OnAddressRequest  func(msg *trackerpb.ServerMessage)
	OnConnectionsList func(msg *trackerpb.ServerMessage)
	// OnRegistered fires once the link completes RegisterDaemonRequest with
	// ACCEPTED, and again after every reconnect that re-registers.
	OnRegistered func()
}

// Config configures a Client.
type Config struct {
	Name        string // the tracker's configured name, used in logs and by identity.NameResolver callers
	Addr        string
	TLSConfig   *tls.Config
	Token       string // daemon token; empty means the link never registers
	Identity    []byte
	Key         []byte
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Callbacks   Callbacks
	DialTimeout time.Duration
}

type pending struct {
	once sync.Once
	ch   chan *trackerpb.ServerMessage
}

// Client maintains one tracker link, reconnecting with capped exponential
// backoff for as long as Run's context is alive.
type Client struct {
	cfg Config
	log *slog.Logger

	connMu sync.RWMutex
	codec  *wire.Codec
	conn   net.Conn

	registered atomic.Bool
	pendingReq *ttlcache.Cache[string, *pending]

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs a Client. Call Run to start the connect/reconnect loop.
func New(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		log:    cfg.Logger.With("tracker", cfg.Name),
		doneCh: make(chan struct{}),
	}
	c.pendingReq = ttlcache.New[string, *pending](ttlcache.WithTTL[string, *pending](RequestTimeout))
	c.pendingReq.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pending]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		item.Value().once.Do(func() { close(item.Value().ch) })
	})
	go c.pendingReq.Start()
	return c
}

// Close stops the reconnect loop and the current link.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.pendingReq.Stop()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

// Registered reports whether the link has completed a successful
// RegisterDaemonRequest.
func (c *Client) Registered() bool { return c.registered.Load() }

// Run connects and reconnects until ctx is cancelled or Close is called.
// Reconnects use capped exponential backoff: 1s, 2s, 4s, 8s, 16s, then 16s
// (spec.md §4.5); the loop never stops while the process is running.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 16 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.doneCh:
			return nil
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.registered.Store(false)
			wait := bo.NextBackOff()
			c.log.Warn("tracker link failed, reconnecting", "error", err, "in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-c.doneCh:
				return nil
			case <-c.cfg.Clock.After(wait):
			}
			continue
		}
		bo.Reset()
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := &tls.Dialer{Config: c.cfg.TLSConfig}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("tracker: dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	codec := wire.NewCodec(conn)
	c.connMu.Lock()
	c.conn = conn
	c.codec = codec
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.codec = nil
		c.connMu.Unlock()
	}()

	c.log.Info("connected to tracker")

	// The read loop starts first: it is what delivers register's response.
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(codec) }()

	if c.cfg.Token != "" {
		if err := c.register(ctx); err != nil {
			return err
		}
	}

	return <-readErr
}

func (c *Client) register(ctx context.Context) error {
	resp, err := c.Request(ctx, &trackerpb.ClientMessage{
		Type:     trackerpb.ClientRegisterDaemonRequest,
		Token:    c.cfg.Token,
		Identity: c.cfg.Identity,
		Key:      c.cfg.Key,
	})
	if err != nil {
		return fmt.Errorf("tracker: register: %w", err)
	}
	if resp.Result != trackerpb.ResultAccepted {
		return fmt.Errorf("tracker: registration rejected")
	}
	c.registered.Store(true)
	if c.cfg.Callbacks.OnRegistered != nil {
		c.cfg.Callbacks.OnRegistered()
	}
	return nil
}

func (c *Client) readLoop(codec *wire.Codec) error {
	for {
		frame, err := codec.ReadFrame()
		if err != nil {
			return fmt.Errorf("tracker: read: %w", err)
		}
		msg, err := trackerpb.UnmarshalServerMessage(frame)
		if err != nil {
			return fmt.Errorf("tracker: decode: %w", err)
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *trackerpb.ServerMessage) {
	if msg.MessageID != "" {
		item := c.pendingReq.Get(msg.MessageID)
		if item == nil {
			c.log.Debug("dropping unclaimed tracker response", "message_id", msg.MessageID)
			return
		}
		c.pendingReq.Delete(msg.MessageID)
		item.Value().once.Do(func() { item.Value().ch <- msg })
		return
	}

	switch msg.Type {
	case trackerpb.ServerAvailable:
		if c.cfg.Callbacks.OnServerAvailable != nil {
			c.cfg.Callbacks.OnServerAvailable(msg)
		}
	case trackerpb.ServerPeerAvailable:
		if c.cfg.Callbacks.OnPeerAvailable != nil {
			c.cfg.Callbacks.OnPeerAvailable(msg)
		}
	case trackerpb.ServerAddressRequest:
		if c.cfg.Callbacks.OnAddressRequest != nil {
			c.cfg.Callbacks.OnAddressRequest(msg)
		}
	case trackerpb.ServerConnectionsList:
		if c.cfg.Callbacks.OnConnectionsList != nil {
			c.cfg.Callbacks.OnConnectionsList(msg)
		}
	default:
		c.log.Debug("ignoring unsolicited message with no handler", "type", msg.Type)
	}
}

// newMessageID mints a UUID v1 messageId (spec.md §6: "requests carry
// messageId (UUID v1 string)"), falling back to v4 if the host can't
// produce a time-based UUID (no MAC address, clock sequence storage
// failure, etc).
func newMessageID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Request sends msg with a fresh messageId and blocks for the correlated
// response, for up to RequestTimeout (T4). Cancelling ctx removes the
// pending listener so the response (if it arrives late) is dropped instead
// of delivered twice.
func (c *Client) Request(ctx context.Context, msg *trackerpb.ClientMessage) (*trackerpb.ServerMessage, error) {
	msg.MessageID = newMessageID()
	p := &pending{ch: make(chan *trackerpb.ServerMessage, 1)}
	c.pendingReq.Set(msg.MessageID, p, ttlcache.DefaultTTL)

	c.connMu.RLock()
	codec := c.codec
	c.connMu.RUnlock()
	if codec == nil {
		c.pendingReq.Delete(msg.MessageID)
		return nil, fmt.Errorf("tracker: not connected")
	}
	if err := codec.WriteFrame(msg.Marshal()); err != nil {
		c.pendingReq.Delete(msg.MessageID)
		return nil, fmt.Errorf("tracker: write request: %w", err)
	}

	select {
	case resp, ok := <-p.ch:
		if !ok {
			return nil, fmt.Errorf("tracker: request %s timed out", msg.Type)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingReq.Delete(msg.MessageID)
		return nil, ctx.Err()
	case <-c.doneCh:
		c.pendingReq.Delete(msg.MessageID)
		return nil, fmt.Errorf("tracker: client closed")
	}
}
