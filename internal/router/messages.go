package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finp2p/finp2p-router/internal/core/types"
	"github.com/finp2p/finp2p-router/internal/crypto"
	"github.com/finp2p/finp2p-router/internal/transport"
)

// HeartbeatPayload announces a router's liveness and supported ledgers.
type HeartbeatPayload struct {
	RouterID  string   `json:"routerId"`
	Endpoint  string   `json:"endpoint"`
	Ledgers   []string `json:"ledgers"`
	Timestamp int64    `json:"timestamp"`
}

// TransferRequestPayload asks the receiving router to execute a transfer
// it holds authority for.
type TransferRequestPayload struct {
	Transfer        *types.Transfer `json:"transfer"`
	FromLedger      string          `json:"fromLedger"`
	ToLedger        string          `json:"toLedger"`
	FromAccountID   string          `json:"fromAccountId"`
	ToAccountID     string          `json:"toAccountId"`
	EscrowAccountID string          `json:"escrowAccountId,omitempty"`
	AssetID         string          `json:"assetId"`
}

// TransferResponsePayload answers a transfer request.
type TransferResponsePayload struct {
	TransferID string `json:"transferId"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

// RouteDiscoveryPayload asks peers for their routing entries.
type RouteDiscoveryPayload struct {
	AssetID string `json:"assetId,omitempty"`
}

// RouteResponsePayload carries a peer's routing entries.
type RouteResponsePayload struct {
	Entries []RoutingEntry `json:"entries"`
}

// ErrorPayload reports a peer-visible failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"refId,omitempty"`
}

// send signs payload and delivers the envelope to a peer.
func (r *Router) send(ctx context.Context, peerID string, msgType transport.MessageType, payload interface{}) error {
	peer, err := r.Peer(peerID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	sig, err := r.signer.Sign([]byte(raw))
	if err != nil {
		return fmt.Errorf("sign %s: %w", msgType, err)
	}

	msg := &transport.Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		FromRouter: r.cfg.RouterID,
		ToRouter:   peerID,
		Payload:    raw,
		Signature:  sig,
		Timestamp:  time.Now().UnixMilli(),
		TTL:        r.cfg.MessageTTL.Milliseconds(),
	}
	return r.transport.Send(ctx, peer.Endpoint, msg)
}

// BroadcastHeartbeat sends a heartbeat to every peer. Delivery failures
// are logged and do not abort the broadcast.
func (r *Router) BroadcastHeartbeat(ctx context.Context) {
	payload := HeartbeatPayload{
		RouterID:  r.cfg.RouterID,
		Endpoint:  r.cfg.Endpoint,
		Ledgers:   r.manager.Adapters(),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, peer := range r.Peers() {
		if err := r.send(ctx, peer.ID, transport.MsgHeartbeat, payload); err != nil {
			r.logger.Printf("heartbeat to %s: %v", peer.ID, err)
			continue
		}
		r.mu.Lock()
		r.metrics.HeartbeatsSent++
		r.mu.Unlock()
	}
}

// DiscoverRoutes broadcasts a route discovery to every peer; answers
// merge into the routing table as they arrive.
func (r *Router) DiscoverRoutes(ctx context.Context, assetID string) {
	payload := RouteDiscoveryPayload{AssetID: assetID}
	for _, peer := range r.Peers() {
		if err := r.send(ctx, peer.ID, transport.MsgRouteDiscovery, payload); err != nil {
			r.logger.Printf("route discovery to %s: %v", peer.ID, err)
		}
	}
}

// RequestTransfer sends a transfer request to a peer and waits for its
// response, bounded by the response timeout.
func (r *Router) RequestTransfer(ctx context.Context, peerID string, req TransferRequestPayload) (*TransferResponsePayload, error) {
	if req.Transfer == nil {
		return nil, fmt.Errorf("transfer is required")
	}

	ch := make(chan *TransferResponsePayload, 1)
	r.mu.Lock()
	r.pending[req.Transfer.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.Transfer.ID)
		r.mu.Unlock()
	}()

	if err := r.send(ctx, peerID, transport.MsgTransferRequest, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(r.cfg.ResponseTimeout):
		return nil, fmt.Errorf("transfer %s: response timeout", req.Transfer.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleMessage is the inbound dispatch: expired envelopes are dropped,
// signatures are verified against the sender's roster key, unknown types
// are logged and ignored.
func (r *Router) handleMessage(ctx context.Context, msg *transport.Message) {
	r.mu.Lock()
	r.metrics.MessagesReceived++
	r.mu.Unlock()

	if msg.Expired(time.Now()) {
		r.dropMessage(msg, "expired")
		return
	}

	peer, err := r.Peer(msg.FromRouter)
	if err != nil {
		r.dropMessage(msg, "unknown sender")
		return
	}
	if err := crypto.Verify([]byte(msg.Payload), msg.Signature, peer.PublicKey); err != nil {
		r.mu.Lock()
		r.metrics.VerifyFailures++
		r.mu.Unlock()
		r.dropMessage(msg, "signature verification failed")
		return
	}
	r.markSeen(msg.FromRouter)

	switch msg.Type {
	case transport.MsgHeartbeat:
		r.handleHeartbeat(msg)
	case transport.MsgTransferRequest:
		r.handleTransferRequest(ctx, msg)
	case transport.MsgTransferResponse:
		r.handleTransferResponse(msg)
	case transport.MsgRouteDiscovery:
		r.handleRouteDiscovery(ctx, msg)
	case transport.MsgRouteResponse:
		r.handleRouteResponse(ctx, msg)
	case transport.MsgError:
		var p ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			r.logger.Printf("peer %s error %s: %s", msg.FromRouter, p.Code, p.Message)
		}
	default:
		r.logger.Printf("ignoring unknown message type %q from %s", msg.Type, msg.FromRouter)
	}
}

func (r *Router) dropMessage(msg *transport.Message, reason string) {
	r.mu.Lock()
	r.metrics.MessagesDropped++
	r.mu.Unlock()
	r.logger.Printf("dropped %s message %s from %s: %s", msg.Type, msg.ID, msg.FromRouter, reason)
}

func (r *Router) handleHeartbeat(msg *transport.Message) {
	var p HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.dropMessage(msg, "malformed heartbeat")
		return
	}

	r.mu.Lock()
	if peer, ok := r.peers[p.RouterID]; ok {
		peer.SupportedLedgers = append([]string(nil), p.Ledgers...)
		if p.Endpoint != "" {
			peer.Endpoint = p.Endpoint
		}
	}
	r.mu.Unlock()
	r.mergeRoutingEntries(context.Background(), heartbeatEntries(p))
}

func (r *Router) handleTransferRequest(ctx context.Context, msg *transport.Message) {
	var p TransferRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Transfer == nil {
		r.dropMessage(msg, "malformed transfer request")
		return
	}

	resp := TransferResponsePayload{TransferID: p.Transfer.ID, Accepted: true}
	if err := r.ExecuteTransfer(ctx, p); err != nil {
		resp.Accepted = false
		resp.Reason = err.Error()
	}
	if err := r.send(ctx, msg.FromRouter, transport.MsgTransferResponse, resp); err != nil {
		r.logger.Printf("transfer response to %s: %v", msg.FromRouter, err)
	}
}

func (r *Router) handleTransferResponse(msg *transport.Message) {
	var p TransferResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.dropMessage(msg, "malformed transfer response")
		return
	}

	r.mu.RLock()
	ch := r.pending[p.TransferID]
	r.mu.RUnlock()
	if ch == nil {
		r.logger.Printf("unsolicited transfer response for %s from %s", p.TransferID, msg.FromRouter)
		return
	}
	select {
	case ch <- &p:
	default:
	}
}

func (r *Router) handleRouteDiscovery(ctx context.Context, msg *transport.Message) {
	resp := RouteResponsePayload{Entries: r.localRoutingEntries()}
	if err := r.send(ctx, msg.FromRouter, transport.MsgRouteResponse, resp); err != nil {
		r.logger.Printf("route response to %s: %v", msg.FromRouter, err)
	}
}

func (r *Router) handleRouteResponse(ctx context.Context, msg *transport.Message) {
	var p RouteResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		r.dropMessage(msg, "malformed route response")
		return
	}
	r.mergeRoutingEntries(ctx, p.Entries)
}

// ExecuteTransfer is the transfer intent path: authority validation,
// route construction, then the state machine.
func (r *Router) ExecuteTransfer(ctx context.Context, req TransferRequestPayload) error {
	if !r.isStarted() {
		return ErrNotStarted
	}
	validation, err := r.authority.ValidateAuthority(ctx, req.AssetID, r.cfg.RouterID)
	if err != nil {
		return fmt.Errorf("authority check: %w", err)
	}
	if !validation.Authorized {
		return fmt.Errorf("%w: %s", ErrAuthorityDenied, validation.Reason)
	}

	route := r.buildRoute(req)
	if err := types.ValidateRoute(route); err != nil {
		return err
	}
	req.Transfer.Route = route

	return r.engine.Execute(transferRequestOf(req))
}
