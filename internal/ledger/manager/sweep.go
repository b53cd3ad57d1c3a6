package manager

import (
	"context"
	"time"
)

// Run executes the periodic expiry sweep until ctx is cancelled. The
// router core runs this as one of its background tasks.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired releases every reservation older than the reservation
// timeout, unlocking on-chain locks where the reservation was promoted.
// Returns the number of reservations released.
func (m *Manager) SweepExpired(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.ReservationTimeout)

	m.mu.Lock()
	var expired []string
	for id, r := range m.reservations {
		if r.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.ReleaseReservation(ctx, id, true); err != nil && err != ErrReservationNotFound {
			m.logger.Printf("expiry release failed for %s: %v", id, err)
			continue
		}
		m.mu.Lock()
		m.expiredCount++
		m.mu.Unlock()
		m.logger.Printf("released expired reservation %s", id)
	}
	return len(expired)
}
