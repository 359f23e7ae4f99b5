package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// fakeClock never actually sleeps, so tier-escalation tests run instantly.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(time.Duration)   {}

type fakeClient struct {
	sessions      map[relay.Protocol][]relay.Session
	kicked        []string
	kickErr       error
	pathConfig    string
	addPathErr    error
	deletePathErr error
}

func (f *fakeClient) ListPaths(ctx context.Context) ([]relay.PathInfo, error) { return nil, nil }
func (f *fakeClient) GetPathConfig(ctx context.Context, path string) (string, error) {
	return f.pathConfig, nil
}
func (f *fakeClient) AddPath(ctx context.Context, path string, body []byte) error { return f.addPathErr }
func (f *fakeClient) DeletePath(ctx context.Context, path string) error          { return f.deletePathErr }
func (f *fakeClient) GetGlobalConfig(ctx context.Context) (string, error)        { return "", nil }
func (f *fakeClient) PatchGlobalConfig(ctx context.Context, body []byte) error   { return nil }
func (f *fakeClient) ListSessions(ctx context.Context, proto relay.Protocol) ([]relay.Session, error) {
	return f.sessions[proto], nil
}
func (f *fakeClient) KickSession(ctx context.Context, proto relay.Protocol, id string) error {
	if f.kickErr != nil {
		return f.kickErr
	}
	f.kicked = append(f.kicked, string(proto)+"/"+id)
	return nil
}
func (f *fakeClient) ListRTSPSessionsOnPath(ctx context.Context, path string) ([]string, error) {
	var ids []string
	for _, s := range f.sessions[relay.ProtocolRTSP] {
		if s.Path == path {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// TestRunSucceedsAtTierOne covers spec.md §8 S2: a stream with no failure
// history starts at tier 1, succeeds on the first attempt, and brackets
// remediation_started with exactly one remediation_success.
func TestRunSucceedsAtTierOne(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := &store.Node{Name: "node-a", ControlAPIURL: "http://node-a"}
	require.NoError(t, st.CreateNode(ctx, node))
	s := &store.Stream{NodeID: node.ID, Path: "cam1", AutoRemediate: true}
	require.NoError(t, st.UpsertStream(ctx, s))

	// Two RTSP sessions and one RTSPS session on the path, plus one RTSP
	// session on an unrelated path that must be left alone.
	client := &fakeClient{sessions: map[relay.Protocol][]relay.Session{
		relay.ProtocolRTSP: {
			{ID: "sess1", Path: "cam1"},
			{ID: "sess2", Path: "cam1"},
			{ID: "other", Path: "cam2"},
		},
		relay.ProtocolRTSPS: {
			{ID: "sess3", Path: "cam1"},
		},
	}}
	clock := &fakeClock{now: time.Now()}
	eng := New(st, func(*store.Node) relay.Client { return client }, nil, lock.NewStreamLocks(), clock, logging.GetGlobalLogger(), DefaultPolicy())

	result, err := eng.Run(ctx, node, s, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Attempts, 1)
	require.Equal(t, TierReconnect, result.Attempts[0].Tier)
	require.Equal(t, []string{"rtsp/sess1", "rtsp/sess2", "rtsps/sess3"}, client.kicked)

	events, err := st.ListEventsForStream(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, store.EventRemediationStarted, events[0].Kind)
	require.Equal(t, store.EventRemediationSuccess, events[1].Kind)
}

// TestRunEscalatesThroughAllTiers covers spec.md §8 S3: every tier fails,
// exhausting 5 attempts at tiers 1 and 2 and 1 attempt at tier 3 (tier 3 is
// unavailable without a source_url and fails immediately), then tier 4 with
// no restart mechanism configured, for 5+5+1+1 = 12 attempts total and a
// single remediation_failed event.
func TestRunEscalatesThroughAllTiers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := &store.Node{Name: "node-a", ControlAPIURL: "http://node-a"}
	require.NoError(t, st.CreateNode(ctx, node))
	s := &store.Stream{NodeID: node.ID, Path: "cam1", AutoRemediate: true}
	require.NoError(t, st.UpsertStream(ctx, s))

	client := &fakeClient{addPathErr: errAlwaysFail}
	clock := &fakeClock{now: time.Now()}
	policy := DefaultPolicy()
	eng := New(st, func(*store.Node) relay.Client { return client }, nil, lock.NewStreamLocks(), clock, logging.GetGlobalLogger(), policy)

	result, err := eng.Run(ctx, node, s, false)
	require.NoError(t, err)
	require.False(t, result.Success)
	// 5 exhausted attempts at tier 1, 5 at tier 2, then tier 3 and tier 4
	// each fail fast on their single unavailability check.
	require.Len(t, result.Attempts, 12)

	events, err := st.ListEventsForStream(ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, store.EventRemediationFailed, events[1].Kind)
}

var errAlwaysFail = &testError{"add path always fails in this fixture"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func TestBackoffBounds(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 10; i++ {
		d := backoff(p, i)
		require.GreaterOrEqual(t, d, p.BaseDelay)
		require.LessOrEqual(t, d, p.MaxDelay)
	}
}
