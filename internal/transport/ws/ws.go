// Package ws is the websocket transport: each router listens on
// /ws and dials peers by URL. Outbound connections are cached and
// redialed on write failure.
package ws

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finp2p/finp2p-router/internal/transport"
)

const writeTimeout = 10 * time.Second

// Transport is a websocket endpoint.
type Transport struct {
	listenAddr string
	logger     *log.Logger

	mu      sync.Mutex
	handler transport.Handler
	server  *http.Server
	conns   map[string]*peerConn
	closed  bool
}

type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a transport listening at listenAddr (host:port).
func New(listenAddr string) *Transport {
	return &Transport{
		listenAddr: listenAddr,
		logger:     log.New(os.Stderr, "[ws-transport] ", log.LstdFlags),
		conns:      make(map[string]*peerConn),
	}
}

// Start begins accepting inbound websocket connections on /ws.
func (t *Transport) Start(ctx context.Context, handler transport.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrTransportClosed
	}
	if t.server != nil {
		t.mu.Unlock()
		return nil
	}
	t.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.serveWS)
	t.server = &http.Server{Handler: mux}
	server := t.server
	t.mu.Unlock()

	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Printf("serve: %v", err)
		}
	}()
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Routers authenticate at the message layer via envelope signatures.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (t *Transport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Printf("upgrade: %v", err)
		return
	}
	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var msg transport.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Printf("read: %v", err)
			}
			return
		}
		t.mu.Lock()
		handler := t.handler
		closed := t.closed
		t.mu.Unlock()
		if closed || handler == nil {
			return
		}
		handler(context.Background(), &msg)
	}
}

// Send writes one envelope to the peer at addr, a ws:// URL. The
// connection is cached; a failed write drops it so the next send
// redials.
func (t *Transport) Send(ctx context.Context, addr string, msg *transport.Message) error {
	pc, err := t.peer(ctx, addr)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = pc.conn.WriteJSON(msg)
	pc.mu.Unlock()
	if err != nil {
		t.drop(addr, pc)
		return fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}
	return nil
}

func (t *Transport) peer(ctx context.Context, addr string) (*peerConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrTransportClosed
	}
	if pc, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, transport.ErrTransportClosed
	}
	// Another send may have raced us to the dial; keep the first.
	if existing, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	pc := &peerConn{conn: conn}
	t.conns[addr] = pc
	t.mu.Unlock()
	return pc, nil
}

func (t *Transport) drop(addr string, pc *peerConn) {
	t.mu.Lock()
	if t.conns[addr] == pc {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	pc.conn.Close()
}

// Close stops the listener and closes all cached connections.
// Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server := t.server
	conns := t.conns
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}
