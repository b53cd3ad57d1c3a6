// Package loopback is an in-process transport: a shared network maps
// addresses to handlers and delivers messages over goroutines. Used in
// tests and single-process deployments.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/finp2p/finp2p-router/internal/transport"
)

// Network is the shared address space of a set of loopback transports.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]transport.Handler
}

// NewNetwork creates an empty loopback network.
func NewNetwork() *Network {
	return &Network{handlers: make(map[string]transport.Handler)}
}

func (n *Network) attach(addr string, h transport.Handler) {
	n.mu.Lock()
	n.handlers[addr] = h
	n.mu.Unlock()
}

func (n *Network) detach(addr string) {
	n.mu.Lock()
	delete(n.handlers, addr)
	n.mu.Unlock()
}

func (n *Network) handler(addr string) transport.Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handlers[addr]
}

// Transport is one endpoint on a loopback network.
type Transport struct {
	network *Network
	addr    string

	mu     sync.Mutex
	closed bool
}

// New creates an endpoint listening at addr on the network.
func New(network *Network, addr string) *Transport {
	return &Transport{network: network, addr: addr}
}

// Addr returns the endpoint's address.
func (t *Transport) Addr() string { return t.addr }

// Start registers the inbound handler on the network.
func (t *Transport) Start(ctx context.Context, handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrTransportClosed
	}
	t.network.attach(t.addr, handler)
	return nil
}

// Send delivers a message to the endpoint at addr on a fresh goroutine,
// mimicking network asynchrony.
func (t *Transport) Send(ctx context.Context, addr string, msg *transport.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrTransportClosed
	}
	t.mu.Unlock()

	h := t.network.handler(addr)
	if h == nil {
		return fmt.Errorf("%w: %s", transport.ErrPeerUnreachable, addr)
	}
	cp := *msg
	go h(context.WithoutCancel(ctx), &cp)
	return nil
}

// Close detaches the endpoint. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.network.detach(t.addr)
	return nil
}
