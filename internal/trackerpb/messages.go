package trackerpb

import (
	"fmt"

	"github.com/basarevych/tunneld/internal/pbcodec"
	"google.golang.org/protobuf/encoding/protowire"
)

// ClientMessageType enumerates requests the daemon sends the tracker.
type ClientMessageType uint32

const (
	ClientUnknown ClientMessageType = iota
	ClientRegisterDaemonRequest
	ClientStatusReport
	ClientAddressResponse
	ClientGenericRequest // carries ConnectionName/Token for e.g. import/attach relays; correlated by MessageId
)

func (t ClientMessageType) String() string {
	switch t {
	case ClientRegisterDaemonRequest:
		return "REGISTER_DAEMON_REQUEST"
	case ClientStatusReport:
		return "STATUS_REPORT"
	case ClientAddressResponse:
		return "ADDRESS_RESPONSE"
	case ClientGenericRequest:
		return "GENERIC_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// ServerMessageType enumerates responses and unsolicited events the
// tracker sends the daemon.
type ServerMessageType uint32

const (
	ServerUnknown ServerMessageType = iota
	ServerRegisterDaemonResponse
	ServerGenericResponse
	ServerAvailable
	ServerPeerAvailable
	ServerAddressRequest
	ServerConnectionsList
)

// ResultCode mirrors the ACCEPTED/REJECTED/NOT_REGISTERED family named in
// spec.md §4.7.
type ResultCode uint32

const (
	ResultUnspecified ResultCode = iota
	ResultAccepted
	ResultRejected
	ResultNotRegistered
)

// ClientMessage is sent daemon -> tracker.
type ClientMessage struct {
	MessageID string
	Type      ClientMessageType

	// REGISTER_DAEMON_REQUEST
	Token    string
	Identity []byte
	Key      []byte

	// common addressing fields (STATUS_REPORT, ADDRESS_RESPONSE, GENERIC_REQUEST)
	ConnectionName  string
	Connected       bool
	InternalAddress string
	InternalPort    uint32
}

const (
	fCMessageID protowire.Number = iota + 1
	fCType
	fCToken
	fCIdentity
	fCKey
	fCConnectionName
	fCConnected
	fCInternalAddress
	fCInternalPort
)

func (m *ClientMessage) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendString(b, fCMessageID, m.MessageID)
	b = pbcodec.AppendUint32(b, fCType, uint32(m.Type))
	b = pbcodec.AppendString(b, fCToken, m.Token)
	b = pbcodec.AppendBytes(b, fCIdentity, m.Identity)
	b = pbcodec.AppendBytes(b, fCKey, m.Key)
	b = pbcodec.AppendString(b, fCConnectionName, m.ConnectionName)
	b = pbcodec.AppendBool(b, fCConnected, m.Connected)
	b = pbcodec.AppendString(b, fCInternalAddress, m.InternalAddress)
	b = pbcodec.AppendUint32(b, fCInternalPort, m.InternalPort)
	return b
}

func UnmarshalClientMessage(raw []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	err := pbcodec.Each(raw, func(f pbcodec.Field) error {
		switch f.Num {
		case fCMessageID:
			m.MessageID = string(f.Raw)
		case fCType:
			m.Type = ClientMessageType(f.Varint)
		case fCToken:
			m.Token = string(f.Raw)
		case fCIdentity:
			m.Identity = append([]byte(nil), f.Raw...)
		case fCKey:
			m.Key = append([]byte(nil), f.Raw...)
		case fCConnectionName:
			m.ConnectionName = string(f.Raw)
		case fCConnected:
			m.Connected = f.Varint != 0
		case fCInternalAddress:
			m.InternalAddress = string(f.Raw)
		case fCInternalPort:
			m.InternalPort = uint32(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trackerpb: unmarshal client message: %w", err)
	}
	return m, nil
}

// ServerMessage is sent tracker -> daemon: either a correlated response
// (MessageID set, matching an outstanding ClientMessage) or an unsolicited
// event (MessageID empty).
type ServerMessage struct {
	MessageID string
	Type      ServerMessageType
	Result    ResultCode

	ConnectionName  string
	PeerIdentity    []byte
	PeerName        string
	InternalAddress string
	InternalPort    uint32
	ExternalAddress string
	ExternalPort    uint32

	ServerConnections []*ConnectionDescriptor
	ClientConnections []*ConnectionDescriptor
}

const (
	fSMessageID protowire.Number = iota + 1
	fSType
	fSResult
	fSConnectionName
	fSPeerIdentity
	fSPeerName
	fSInternalAddress
	fSInternalPort
	fSExternalAddress
	fSExternalPort
	fSServerConnections
	fSClientConnections
)

func (m *ServerMessage) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendString(b, fSMessageID, m.MessageID)
	b = pbcodec.AppendUint32(b, fSType, uint32(m.Type))
	b = pbcodec.AppendUint32(b, fSResult, uint32(m.Result))
	b = pbcodec.AppendString(b, fSConnectionName, m.ConnectionName)
	b = pbcodec.AppendBytes(b, fSPeerIdentity, m.PeerIdentity)
	b = pbcodec.AppendString(b, fSPeerName, m.PeerName)
	b = pbcodec.AppendString(b, fSInternalAddress, m.InternalAddress)
	b = pbcodec.AppendUint32(b, fSInternalPort, m.InternalPort)
	b = pbcodec.AppendString(b, fSExternalAddress, m.ExternalAddress)
	b = pbcodec.AppendUint32(b, fSExternalPort, m.ExternalPort)
	for _, d := range m.ServerConnections {
		b = pbcodec.AppendBytes(b, fSServerConnections, d.Marshal())
	}
	for _, d := range m.ClientConnections {
		b = pbcodec.AppendBytes(b, fSClientConnections, d.Marshal())
	}
	return b
}

func UnmarshalServerMessage(raw []byte) (*ServerMessage, error) {
	m := &ServerMessage{}
	err := pbcodec.Each(raw, func(f pbcodec.Field) error {
		switch f.Num {
		case fSMessageID:
			m.MessageID = string(f.Raw)
		case fSType:
			m.Type = ServerMessageType(f.Varint)
		case fSResult:
			m.Result = ResultCode(f.Varint)
		case fSConnectionName:
			m.ConnectionName = string(f.Raw)
		case fSPeerIdentity:
			m.PeerIdentity = append([]byte(nil), f.Raw...)
		case fSPeerName:
			m.PeerName = string(f.Raw)
		case fSInternalAddress:
			m.InternalAddress = string(f.Raw)
		case fSInternalPort:
			m.InternalPort = uint32(f.Varint)
		case fSExternalAddress:
			m.ExternalAddress = string(f.Raw)
		case fSExternalPort:
			m.ExternalPort = uint32(f.Varint)
		case fSServerConnections:
			d, err := UnmarshalConnectionDescriptor(f.Raw)
			if err != nil {
				return err
			}
			m.ServerConnections = append(m.ServerConnections, d)
		case fSClientConnections:
			d, err := UnmarshalConnectionDescriptor(f.Raw)
			if err != nil {
				return err
			}
			m.ClientConnections = append(m.ClientConnections, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("trackerpb: unmarshal server message: %w", err)
	}
	return m, nil
}
