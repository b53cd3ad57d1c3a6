// Package kv defines the key-value store contract shared by the authority
// registry, the confirmation record store, and the router core. The contract
// is deliberately Redis-shaped (strings, hashes, sets, pub/sub) so a shared
// deployment can point at a real Redis while tests and standalone nodes use
// the in-memory or pebble backends.
package kv

import "context"

// Store defines the operations every backend must support.
type Store interface {
	// String operations
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error

	// Hash operations
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set operations
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Publish sends a message on a channel. Subscribe returns a receive
	// channel and a cancel function; the channel is closed on cancel.
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Key prefixes and builders for the shared key layout. All router state in
// the store lives under the "finp2p:" namespace.
const keyPrefix = "finp2p:"

func ConfirmationsKey(routerID string) string { return keyPrefix + "confirmations:" + routerID }
func UserTransactionsKey(accountID string) string {
	return keyPrefix + "user_transactions:" + accountID
}
func AssetTransactionsKey(assetID string) string {
	return keyPrefix + "asset_transactions:" + assetID
}
func DualConfirmationKey(transferID string) string {
	return keyPrefix + "dual_confirmations:" + transferID
}
func TransferCompletionKey(transferID string) string {
	return keyPrefix + "transfer_completion:" + transferID
}
func RouterHeartbeatKey(routerID string) string { return keyPrefix + "router_heartbeat:" + routerID }
func RouterAssetsKey(routerID string) string    { return keyPrefix + "router_assets:" + routerID }
func TransferEventsChannel(transferID string) string { return keyPrefix + "events:" + transferID }

// AssetRegistryKey is the hash of assetId -> registration envelope.
const AssetRegistryKey = keyPrefix + "asset_registry"

// RoutingTableKey holds the JSON routing table owned by the router core.
const RoutingTableKey = keyPrefix + "routing:table"
