// Package authority implements the primary router authority: which router
// may act on which asset, heartbeat-driven availability, and failover to
// backup routers. Registrations and heartbeats live in the shared
// key-value store so every router in the federation sees the same view.
package authority

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/finp2p/finp2p-router/internal/kv"
)

var (
	// ErrAlreadyRegistered is returned on duplicate asset registration.
	// The existing registration is left untouched.
	ErrAlreadyRegistered = errors.New("asset already registered")

	// ErrAssetNotRegistered is returned for unknown asset ids.
	ErrAssetNotRegistered = errors.New("asset not registered")

	// ErrAuthorityDenied is returned when a router is neither primary nor
	// an eligible backup for an asset.
	ErrAuthorityDenied = errors.New("authority denied")
)

// DefaultHeartbeatWindow is how fresh a heartbeat must be for a router to
// count as available.
const DefaultHeartbeatWindow = 30 * time.Second

// AssetRegistration binds an asset to a primary router and its backups.
type AssetRegistration struct {
	AssetID         string            `json:"assetId"`
	PrimaryRouterID string            `json:"primaryRouterId"`
	BackupRouterIDs []string          `json:"backupRouterIds"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validation is the outcome of an authority check.
type Validation struct {
	Authorized bool     `json:"authorized"`
	Reason     string   `json:"reason"`
	Primary    string   `json:"primary"`
	Backups    []string `json:"backups"`
}

// Service answers authority questions for one router.
type Service struct {
	routerID string
	store    kv.Store
	window   time.Duration
}

// New creates an authority service for routerID. window controls heartbeat
// freshness; zero means DefaultHeartbeatWindow.
func New(routerID string, store kv.Store, window time.Duration) *Service {
	if window == 0 {
		window = DefaultHeartbeatWindow
	}
	return &Service{routerID: routerID, store: store, window: window}
}

// RegisterAsset registers this router as the primary for assetID.
// Duplicate registration fails without mutating state.
func (s *Service) RegisterAsset(ctx context.Context, assetID string, metadata map[string]string, backupRouterIDs []string) (*AssetRegistration, error) {
	if _, err := s.store.HGet(ctx, kv.AssetRegistryKey, assetID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, assetID)
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return nil, err
	}

	for _, backup := range backupRouterIDs {
		if backup == s.routerID {
			return nil, fmt.Errorf("primary router %s cannot be its own backup", s.routerID)
		}
	}

	now := time.Now()
	reg := &AssetRegistration{
		AssetID:         assetID,
		PrimaryRouterID: s.routerID,
		BackupRouterIDs: append([]string(nil), backupRouterIDs...),
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        metadata,
	}
	if err := s.writeRegistration(ctx, reg); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, kv.RouterAssetsKey(s.routerID), assetID); err != nil {
		return nil, err
	}
	return reg, nil
}

// GetAssetRegistration returns the registration for assetID.
func (s *Service) GetAssetRegistration(ctx context.Context, assetID string) (*AssetRegistration, error) {
	raw, err := s.store.HGet(ctx, kv.AssetRegistryKey, assetID)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, assetID)
	}
	if err != nil {
		return nil, err
	}
	var reg AssetRegistration
	if err := kv.DecodeRecord(raw, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// RouterAssets returns the asset ids a router is primary for.
func (s *Service) RouterAssets(ctx context.Context, routerID string) ([]string, error) {
	return s.store.SMembers(ctx, kv.RouterAssetsKey(routerID))
}

// ValidateAuthority decides whether requestingRouterID may act on assetID.
// The primary is always authorized. A backup is authorized only while the
// primary's heartbeat is stale.
func (s *Service) ValidateAuthority(ctx context.Context, assetID, requestingRouterID string) (*Validation, error) {
	reg, err := s.GetAssetRegistration(ctx, assetID)
	if err != nil {
		return nil, err
	}

	v := &Validation{
		Primary: reg.PrimaryRouterID,
		Backups: reg.BackupRouterIDs,
	}

	if requestingRouterID == reg.PrimaryRouterID {
		v.Authorized = true
		v.Reason = "requester is primary"
		return v, nil
	}

	for _, backup := range reg.BackupRouterIDs {
		if requestingRouterID != backup {
			continue
		}
		available, err := s.IsRouterAvailable(ctx, reg.PrimaryRouterID)
		if err != nil {
			return nil, err
		}
		if available {
			v.Reason = "primary available"
			return v, nil
		}
		v.Authorized = true
		v.Reason = "primary unavailable, backup authorized"
		return v, nil
	}

	v.Reason = "no authority"
	return v, nil
}

// TransferAuthority hands the primary role for assetID to newPrimary.
// Only the current primary may transfer, and only to one of its backups;
// the old primary rotates into the backup list.
func (s *Service) TransferAuthority(ctx context.Context, assetID, newPrimary string) (*AssetRegistration, error) {
	reg, err := s.GetAssetRegistration(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if reg.PrimaryRouterID != s.routerID {
		return nil, fmt.Errorf("%w: %s is not primary for %s", ErrAuthorityDenied, s.routerID, assetID)
	}

	idx := -1
	for i, backup := range reg.BackupRouterIDs {
		if backup == newPrimary {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("%w: %s is not a backup for %s", ErrAuthorityDenied, newPrimary, assetID)
	}

	oldPrimary := reg.PrimaryRouterID
	reg.BackupRouterIDs[idx] = oldPrimary
	reg.PrimaryRouterID = newPrimary
	reg.UpdatedAt = time.Now()

	if err := s.writeRegistration(ctx, reg); err != nil {
		return nil, err
	}
	if err := s.store.SRem(ctx, kv.RouterAssetsKey(oldPrimary), assetID); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, kv.RouterAssetsKey(newPrimary), assetID); err != nil {
		return nil, err
	}
	return reg, nil
}

// Heartbeat writes this router's liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context) error {
	ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.store.Set(ctx, kv.RouterHeartbeatKey(s.routerID), ms)
}

// IsRouterAvailable reports whether routerID's heartbeat is fresh. A
// missing heartbeat means unavailable.
func (s *Service) IsRouterAvailable(ctx context.Context, routerID string) (bool, error) {
	raw, err := s.store.Get(ctx, kv.RouterHeartbeatKey(routerID))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("malformed heartbeat for %s: %w", routerID, err)
	}
	age := time.Since(time.UnixMilli(ms))
	return age < s.window, nil
}

func (s *Service) writeRegistration(ctx context.Context, reg *AssetRegistration) error {
	raw, err := kv.EncodeRecord(reg)
	if err != nil {
		return err
	}
	return s.store.HSet(ctx, kv.AssetRegistryKey, reg.AssetID, raw)
}
