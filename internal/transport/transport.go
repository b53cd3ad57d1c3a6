// Package transport defines the inter-router message envelope and the
// wire abstraction the router core speaks through. Implementations live
// in subpackages: loopback for in-process wiring, ws for websocket links.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrPeerUnreachable is returned when a message cannot be delivered.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("transport is closed")
)

// MessageType identifies an inter-router message.
type MessageType string

const (
	MsgHeartbeat        MessageType = "HEARTBEAT"
	MsgTransferRequest  MessageType = "TRANSFER_REQUEST"
	MsgTransferResponse MessageType = "TRANSFER_RESPONSE"
	MsgRouteDiscovery   MessageType = "ROUTE_DISCOVERY"
	MsgRouteResponse    MessageType = "ROUTE_RESPONSE"
	MsgError            MessageType = "ERROR"
)

// Message is the signed envelope exchanged between routers. The
// signature covers the raw payload bytes; Timestamp is a millisecond
// epoch and TTL a millisecond lifetime.
type Message struct {
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	FromRouter string          `json:"fromRouter"`
	ToRouter   string          `json:"toRouter"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"`
	Timestamp  int64           `json:"timestamp"`
	TTL        int64           `json:"ttl"`
}

// Expired reports whether the message's lifetime has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-m.Timestamp > m.TTL
}

// Handler consumes an inbound message.
type Handler func(ctx context.Context, msg *Message)

// Transport delivers envelopes between routers. Start registers the
// inbound handler and begins accepting; Send delivers one message to the
// peer at addr.
type Transport interface {
	Start(ctx context.Context, handler Handler) error
	Send(ctx context.Context, addr string, msg *Message) error
	Close() error
}
