// Package blocklist maintains IPBlockEntry rows: creating blocks, matching
// addresses against active entries, and sweeping expired ones. Enforcement
// happens at the external request surface; the core only keeps the records
// accurate.
package blocklist

import (
	"context"
	"strings"
	"time"

	"github.com/relayfleet/controlplane/internal/errs"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/platform"
	"github.com/relayfleet/controlplane/internal/store"
)

// Manager creates, queries, and sweeps block entries.
type Manager struct {
	store  store.Store
	clock  platform.Clock
	logger *logging.Logger
}

// New builds a Manager.
func New(st store.Store, clock platform.Clock, logger *logging.Logger) *Manager {
	return &Manager{store: st, clock: clock, logger: logger}
}

// Block creates an active entry for address. A zero ttl makes the block
// permanent; otherwise it expires ttl from now. pathPattern may carry a
// trailing "*" wildcard; nodeID nil means fleet-wide.
func (m *Manager) Block(ctx context.Context, address, pathPattern string, nodeID *uint, ttl time.Duration) (*store.IPBlockEntry, error) {
	if address == "" {
		return nil, errs.Validation("blocklist.block", "address is required", nil)
	}
	entry := &store.IPBlockEntry{
		Address:     address,
		PathPattern: pathPattern,
		NodeID:      nodeID,
		IsActive:    true,
	}
	if ttl <= 0 {
		entry.IsPermanent = true
	} else {
		expires := m.clock.Now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	if err := m.store.CreateBlock(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Unblock deactivates an entry by ID.
func (m *Manager) Unblock(ctx context.Context, id uint) error {
	return m.store.Deactivate(ctx, id)
}

// Sweep deactivates non-permanent entries past their expiry and returns how
// many it flipped.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeactivateExpiredBlocks(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.WithField("deactivated", "expired").Info("blocklist sweep deactivated entries")
	}
	return n, nil
}

// matchPattern matches path against pattern, supporting a trailing "*".
func matchPattern(pattern, path string) bool {
	if pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}

// IsBlocked reports whether address is blocked for path on the given node.
// An entry scoped to a node only matches that node; an unscoped entry
// matches everywhere.
func (m *Manager) IsBlocked(ctx context.Context, address, path string, nodeID uint) (bool, error) {
	entries, err := m.store.ListActiveBlocks(ctx)
	if err != nil {
		return false, err
	}
	now := m.clock.Now()
	for _, e := range entries {
		if e.Address != address {
			continue
		}
		if !e.IsPermanent && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		if e.NodeID != nil && *e.NodeID != nodeID {
			continue
		}
		if matchPattern(e.PathPattern, path) {
			return true, nil
		}
	}
	return false, nil
}
