// Package fleet implements the Fleet Synchronizer (C6): per-node
// reconciliation of a node's reported paths against the local Stream
// inventory. Grounded in fleet_manager.py's sync_node_streams and
// _detect_protocol.
package fleet

import (
	"context"

	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/platform"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// SyncResult reports what a single node's sync changed.
type SyncResult struct {
	NodeID  uint
	Total   int
	Created int
	Updated int
	Deleted int
}

// Synchronizer reconciles Streams against a node's reported paths.
type Synchronizer struct {
	store       store.Store
	relayClient func(*store.Node) relay.Client
	nodeLocks   *lock.NodeLocks
	clock       platform.Clock
	logger      *logging.Logger
}

// New builds a Synchronizer.
func New(st store.Store, relayClient func(*store.Node) relay.Client, nodeLocks *lock.NodeLocks, clock platform.Clock, logger *logging.Logger) *Synchronizer {
	return &Synchronizer{store: st, relayClient: relayClient, nodeLocks: nodeLocks, clock: clock, logger: logger}
}

// SyncNode upserts one Stream per reported path, detects its protocol,
// prunes local Streams whose path is no longer reported, and updates the
// node's heartbeat. At most one sync is in flight per node.
func (s *Synchronizer) SyncNode(ctx context.Context, node *store.Node) (*SyncResult, error) {
	var result *SyncResult
	var runErr error
	s.nodeLocks.WithLock(node.Name, func() {
		result, runErr = s.syncLocked(ctx, node)
	})
	return result, runErr
}

func (s *Synchronizer) syncLocked(ctx context.Context, node *store.Node) (*SyncResult, error) {
	client := s.relayClient(node)
	paths, err := client.ListPaths(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListStreamsByNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]store.Stream, len(existing))
	for _, st := range existing {
		byPath[st.Path] = st
	}

	result := &SyncResult{NodeID: node.ID, Total: len(paths)}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p.Name == "" {
			continue
		}
		seen[p.Name] = true

		stream := store.Stream{NodeID: node.ID, Path: p.Name, Protocol: detectProtocol(p)}
		if p.Source != nil {
			stream.SourceURL = p.Source.ID
		}
		if existingStream, ok := byPath[p.Name]; ok {
			stream.ID = existingStream.ID
			stream.Status = existingStream.Status
			stream.AutoRemediate = existingStream.AutoRemediate
			result.Updated++
		} else {
			stream.Status = store.StatusUnknown
			stream.AutoRemediate = true
			result.Created++
		}
		if err := s.store.UpsertStream(ctx, &stream); err != nil {
			return nil, err
		}
	}

	for path, st := range byPath {
		if seen[path] {
			continue
		}
		if err := s.store.DeleteStream(ctx, st.ID); err != nil {
			return nil, err
		}
		result.Deleted++
	}

	if err := s.store.TouchNodeLastSeen(ctx, node.ID, s.clock.Now()); err != nil {
		s.logger.WithError(err).Warn("failed to update node last_seen after sync")
	}

	return result, nil
}

// detectProtocol classifies a path's protocol from its source type, per
// fleet_manager.py's _detect_protocol: substring matching, else "unknown".
func detectProtocol(p relay.PathInfo) string {
	if p.Source == nil {
		return "unknown"
	}
	return relay.DetectProtocol(p.Source.Type)
}
