package udptransport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/basarevych/tunneld/internal/peer"
)

// PeerDialer adapts a Transport into peer.Dialer: resolve the endpoint
// candidate, optionally punch a NAT mapping, then dial a QUIC session.
type PeerDialer struct {
	Transport *Transport
	// PunchAttempts is how many punch datagrams to fire before dialing
	// when punch is requested. Zero uses a sensible default.
	PunchAttempts int
}

// Dial implements peer.Dialer.
func (d *PeerDialer) Dial(connectionName string, endpoint string, punch bool) (peer.Transport, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("udptransport: dialer: bad endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: dialer: bad port in %q: %w", endpoint, err)
	}

	ctx := context.Background()
	if punch {
		attempts := d.PunchAttempts
		if attempts <= 0 {
			attempts = 5
		}
		if err := d.Transport.Punch(ctx, attempts, host, port); err != nil {
			return nil, fmt.Errorf("udptransport: dialer: punch %s: %w", endpoint, err)
		}
	}

	sess, err := d.Transport.Dial(ctx, host, port)
	if err != nil {
		return nil, fmt.Errorf("udptransport: dialer: dial %s for %s: %w", endpoint, connectionName, err)
	}
	return sess, nil
}
