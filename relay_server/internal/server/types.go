package server

import (
	"context"
	"time"

	"github.com/iselt/wiretap/common/protocol"
)

// State is the relay lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAwaitingHandshake
	StateActive
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	}
	return "idle"
}

// Direction names a stream by where its frames are going.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing" // client to server
	DirectionIncoming Direction = "incoming" // server to client
)

func (d Direction) destination() protocol.Destination {
	if d == DirectionOutgoing {
		return protocol.DestinationServer
	}
	return protocol.DestinationClient
}

// DataEvent carries one cleartext frame through the interceptors.
//
// Packet is the frame as it arrived. Replacement starts as an editable copy
// of it and is what gets forwarded unless an interceptor sets Cancel (the
// original bytes are forwarded) or calls Block (nothing is forwarded).
type DataEvent struct {
	Packet      *protocol.Message
	Replacement *protocol.Message
	Step        int
	Destination protocol.Destination
	Cancel      bool

	blocked bool
}

func (e *DataEvent) Block()          { e.blocked = true }
func (e *DataEvent) IsBlocked() bool { return e.blocked }

// Interceptor gates frames synchronously inside the receive loop. A returned
// error or a panic cancels the event.
type Interceptor interface {
	Intercept(ctx context.Context, e *DataEvent) error
}

type InterceptorFunc func(ctx context.Context, e *DataEvent) error

func (f InterceptorFunc) Intercept(ctx context.Context, e *DataEvent) error { return f(ctx, e) }

// Observer receives a private copy of every cleartext frame off the receive
// loop. It cannot influence forwarding.
type Observer interface {
	Observe(m *protocol.Message)
}

type ObserverFunc func(m *protocol.Message)

func (f ObserverFunc) Observe(m *protocol.Message) { f(m) }

// HandshakeHeaders are the outgoing headers captured while the session
// handshake is in progress.
type HandshakeHeaders struct {
	InitiateHandshake uint16 `json:"initiate_handshake"`
	ClientPublicKey   uint16 `json:"client_public_key"`
	ClientURL         uint16 `json:"client_url"`
	SSOTicket         uint16 `json:"sso_ticket"`
}

// SessionInfo is a point-in-time view of the relay.
type SessionInfo struct {
	SessionID         string           `json:"session_id"`
	State             string           `json:"state"`
	Host              string           `json:"host"`
	Port              int              `json:"port"`
	Addresses         []string         `json:"addresses"`
	ListenAddr        string           `json:"listen_addr,omitempty"`
	ConnectedAt       time.Time        `json:"connected_at,omitzero"`
	ToServer          int              `json:"to_server"`
	ToClient          int              `json:"to_client"`
	AcceptCount       int              `json:"accept_count"`
	OutgoingEncrypted bool             `json:"outgoing_encrypted"`
	IncomingEncrypted bool             `json:"incoming_encrypted"`
	Headers           HandshakeHeaders `json:"headers"`
}
