// Package trackerpb defines the ClientMessage/ServerMessage schema carried
// over the persistent TLS link to a tracker, per spec.md §4.5 and §6.
package trackerpb

import (
	"fmt"

	"github.com/basarevych/tunneld/internal/pbcodec"
	"google.golang.org/protobuf/encoding/protowire"
)

// Role mirrors the connection descriptor's role (spec.md §3).
type Role uint32

const (
	RoleUnspecified Role = iota
	RoleServer
	RoleClient
)

// ConnectionDescriptor is the wire form of spec.md §3's "Connection
// descriptor": immutable identity (tracker, path), role, attributes, and
// (when fixed) the authorized peer set.
type ConnectionDescriptor struct {
	Tracker        string
	Path           string
	Role           Role
	Encrypted      bool
	Fixed          bool
	ConnectAddress string
	ConnectPort    uint32
	ListenAddress  string
	ListenPort     uint32
	Peers          []string
}

const (
	fDescTracker protowire.Number = iota + 1
	fDescPath
	fDescRole
	fDescEncrypted
	fDescFixed
	fDescConnectAddress
	fDescConnectPort
	fDescListenAddress
	fDescListenPort
	fDescPeers
)

func (d *ConnectionDescriptor) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendString(b, fDescTracker, d.Tracker)
	b = pbcodec.AppendString(b, fDescPath, d.Path)
	b = pbcodec.AppendUint32(b, fDescRole, uint32(d.Role))
	b = pbcodec.AppendBool(b, fDescEncrypted, d.Encrypted)
	b = pbcodec.AppendBool(b, fDescFixed, d.Fixed)
	b = pbcodec.AppendString(b, fDescConnectAddress, d.ConnectAddress)
	b = pbcodec.AppendUint32(b, fDescConnectPort, d.ConnectPort)
	b = pbcodec.AppendString(b, fDescListenAddress, d.ListenAddress)
	b = pbcodec.AppendUint32(b, fDescListenPort, d.ListenPort)
	for _, p := range d.Peers {
		b = pbcodec.AppendString(b, fDescPeers, p)
	}
	return b
}

func UnmarshalConnectionDescriptor(raw []byte) (*ConnectionDescriptor, error) {
	d := &ConnectionDescriptor{}
	err := pbcodec.Each(raw, func(f pbcodec.Field) error {
		switch f.Num {
		case fDescTracker:
			d.Tracker = string(f.Raw)
		case fDescPath:
			d.Path = string(f.Raw)
		case fDescRole:
			d.Role = Role(f.Varint)
		case fDescEncrypted:
			d.Encrypted = f.Varint != 0
		case fDescFixed:
			d.Fixed = f.Varint != 0
		case fDescConnectAddress:
			d.ConnectAddress = string(f.Raw)
		case fDescConnectPort:
			d.ConnectPort = uint32(f.Varint)
		case fDescListenAddress:
			d.ListenAddress = string(f.Raw)
		case fDescListenPort:
			d.ListenPort = uint32(f.Varint)
		case fDescPeers:
			d.Peers = append(d.Peers, string(f.Raw))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trackerpb: unmarshal descriptor: %w", err)
	}
	return d, nil
}
