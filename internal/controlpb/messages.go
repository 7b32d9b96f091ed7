// Package controlpb defines the local control socket's request/response
// schema, per spec.md §4.7. It is a distinct protobuf root from the
// tracker wire protocol (internal/trackerpb), though it reuses
// trackerpb.ConnectionDescriptor as the shared connection-descriptor
// shape rather than redefining an identical struct.
package controlpb

import (
	"fmt"

	"github.com/basarevych/tunneld/internal/pbcodec"
	"github.com/basarevych/tunneld/internal/trackerpb"
	"google.golang.org/protobuf/encoding/protowire"
)

// RequestType enumerates every local control RPC named in spec.md §4.7.
type RequestType uint32

const (
	ReqUnknown RequestType = iota
	ReqInit
	ReqConfirm
	ReqCreateDaemon
	ReqDeleteDaemon
	ReqCreate
	ReqDelete
	ReqAttach
	ReqDetach
	ReqRemoteAttach
	ReqRemoteDetach
	ReqTree
	ReqDaemonsList
	ReqConnectionsList
	ReqSetConnections
	ReqGetConnections
	ReqImport
	ReqImportConnections
	ReqUpdateConnections
	ReqRedeemMaster
	ReqRedeemDaemon
	ReqRedeemPath
	ReqSetToken
	ReqStatus
)

// ResponseCode enumerates the response kinds named in spec.md §4.7.
type ResponseCode uint32

const (
	RespUnspecified ResponseCode = iota
	RespAccepted
	RespRejected
	RespNotRegistered
	RespNoTracker
	RespTimeout
	RespInvalidPath
	RespPathExists
	RespNotFound
	RespAlreadyConnected
	RespNotAttached
)

// ClientMessage is one request on the local control socket.
type ClientMessage struct {
	RequestID string
	Type      RequestType

	Tracker        string
	Path           string
	Randomize      bool
	Token          string
	ImportToken    string
	ConnectionName string

	Connections []*trackerpb.ConnectionDescriptor
}

const (
	fCReqID protowire.Number = iota + 1
	fCReqType
	fCReqTracker
	fCReqPath
	fCReqRandomize
	fCReqToken
	fCReqImportToken
	fCReqConnectionName
	fCReqConnections
)

func (m *ClientMessage) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendString(b, fCReqID, m.RequestID)
	b = pbcodec.AppendUint32(b, fCReqType, uint32(m.Type))
	b = pbcodec.AppendString(b, fCReqTracker, m.Tracker)
	b = pbcodec.AppendString(b, fCReqPath, m.Path)
	b = pbcodec.AppendBool(b, fCReqRandomize, m.Randomize)
	b = pbcodec.AppendString(b, fCReqToken, m.Token)
	b = pbcodec.AppendString(b, fCReqImportToken, m.ImportToken)
	b = pbcodec.AppendString(b, fCReqConnectionName, m.ConnectionName)
	for _, d := range m.Connections {
		b = pbcodec.AppendBytes(b, fCReqConnections, d.Marshal())
	}
	return b
}

func UnmarshalClientMessage(raw []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	err := pbcodec.Each(raw, func(f pbcodec.Field) error {
		switch f.Num {
		case fCReqID:
			m.RequestID = string(f.Raw)
		case fCReqType:
			m.Type = RequestType(f.Varint)
		case fCReqTracker:
			m.Tracker = string(f.Raw)
		case fCReqPath:
			m.Path = string(f.Raw)
		case fCReqRandomize:
			m.Randomize = f.Varint != 0
		case fCReqToken:
			m.Token = string(f.Raw)
		case fCReqImportToken:
			m.ImportToken = string(f.Raw)
		case fCReqConnectionName:
			m.ConnectionName = string(f.Raw)
		case fCReqConnections:
			d, err := trackerpb.UnmarshalConnectionDescriptor(f.Raw)
			if err != nil {
				return err
			}
			m.Connections = append(m.Connections, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("controlpb: unmarshal client message: %w", err)
	}
	return m, nil
}

// ServerMessage is the response to one ClientMessage, correlated by
// RequestID.
type ServerMessage struct {
	RequestID string
	Code      ResponseCode

	Message     string
	Connections []*trackerpb.ConnectionDescriptor
	Daemons     []string
	Connected   bool
}

const (
	fSRespID protowire.Number = iota + 1
	fSRespCode
	fSRespMessage
	fSRespConnections
	fSRespDaemons
	fSRespConnected
)

func (m *ServerMessage) Marshal() []byte {
	var b []byte
	b = pbcodec.AppendString(b, fSRespID, m.RequestID)
	b = pbcodec.AppendUint32(b, fSRespCode, uint32(m.Code))
	b = pbcodec.AppendString(b, fSRespMessage, m.Message)
	for _, d := range m.Connections {
		b = pbcodec.AppendBytes(b, fSRespConnections, d.Marshal())
	}
	for _, d := range m.Daemons {
		b = pbcodec.AppendString(b, fSRespDaemons, d)
	}
	b = pbcodec.AppendBool(b, fSRespConnected, m.Connected)
	return b
}

func UnmarshalServerMessage(raw []byte) (*ServerMessage, error) {
	m := &ServerMessage{}
	err := pbcodec.Each(raw, func(f pbcodec.Field) error {
		switch f.Num {
		case fSRespID:
			m.RequestID = string(f.Raw)
		case fSRespCode:
			m.Code = ResponseCode(f.Varint)
		case fSRespMessage:
			m.Message = string(f.Raw)
		case fSRespConnections:
			d, err := trackerpb.UnmarshalConnectionDescriptor(f.Raw)
			if err != nil {
				return err
			}
			m.Connections = append(m.Connections, d)
		case fSRespDaemons:
			m.Daemons = append(m.Daemons, string(f.Raw))
		case fSRespConnected:
			m.Connected = f.Varint != 0
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("controlpb: unmarshal server message: %w", err)
	}
	return m, nil
}
