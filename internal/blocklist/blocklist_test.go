package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/store"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time      { return c.now }
func (c *fixedClock) Sleep(time.Duration) {}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBlockAndExpirySweep(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	clock := &fixedClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	mgr := New(st, clock, logging.GetGlobalLogger())

	permanent, err := mgr.Block(ctx, "10.0.0.9", "", nil, 0)
	require.NoError(t, err)
	assert.True(t, permanent.IsPermanent)
	assert.Nil(t, permanent.ExpiresAt)

	temporary, err := mgr.Block(ctx, "10.0.0.10", "", nil, time.Hour)
	require.NoError(t, err)
	assert.False(t, temporary.IsPermanent)
	require.NotNil(t, temporary.ExpiresAt)

	// Nothing expires yet.
	n, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.now = clock.now.Add(2 * time.Hour)
	n, err = mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := st.ListActiveBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "10.0.0.9", active[0].Address)
}

func TestIsBlockedScoping(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	clock := &fixedClock{now: time.Now()}
	mgr := New(st, clock, logging.GetGlobalLogger())

	nodeID := uint(3)
	_, err := mgr.Block(ctx, "10.0.0.9", "cams/*", &nodeID, 0)
	require.NoError(t, err)

	blocked, err := mgr.IsBlocked(ctx, "10.0.0.9", "cams/front", 3)
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = mgr.IsBlocked(ctx, "10.0.0.9", "lobby", 3)
	require.NoError(t, err)
	assert.False(t, blocked, "pattern must not match a different path")

	blocked, err = mgr.IsBlocked(ctx, "10.0.0.9", "cams/front", 4)
	require.NoError(t, err)
	assert.False(t, blocked, "node-scoped entry must not match another node")

	blocked, err = mgr.IsBlocked(ctx, "10.0.0.99", "cams/front", 3)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestUnblock(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mgr := New(st, &fixedClock{now: time.Now()}, logging.GetGlobalLogger())

	entry, err := mgr.Block(ctx, "10.0.0.9", "", nil, 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Unblock(ctx, entry.ID))

	blocked, err := mgr.IsBlocked(ctx, "10.0.0.9", "any", 1)
	require.NoError(t, err)
	assert.False(t, blocked)
}
