package fleet

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

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time        { return c.now }
func (c fixedClock) Sleep(time.Duration)   {}

type fakeRelayClient struct{ paths []relay.PathInfo }

func (f *fakeRelayClient) ListPaths(ctx context.Context) ([]relay.PathInfo, error) { return f.paths, nil }
func (f *fakeRelayClient) GetPathConfig(ctx context.Context, path string) (string, error) {
	return "", nil
}
func (f *fakeRelayClient) AddPath(ctx context.Context, path string, body []byte) error { return nil }
func (f *fakeRelayClient) DeletePath(ctx context.Context, path string) error           { return nil }
func (f *fakeRelayClient) GetGlobalConfig(ctx context.Context) (string, error)         { return "", nil }
func (f *fakeRelayClient) PatchGlobalConfig(ctx context.Context, body []byte) error    { return nil }
func (f *fakeRelayClient) ListSessions(ctx context.Context, proto relay.Protocol) ([]relay.Session, error) {
	return nil, nil
}
func (f *fakeRelayClient) KickSession(ctx context.Context, proto relay.Protocol, id string) error {
	return nil
}
func (f *fakeRelayClient) ListRTSPSessionsOnPath(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// TestSyncNodeCreatesUpdatesAndPrunes covers spec.md §4.5: a stream present
// in the node's reply but not locally is created, one present both places is
// updated, and one local-only is pruned as stale.
func TestSyncNodeCreatesUpdatesAndPrunes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := &store.Node{Name: "node-a", ControlAPIURL: "http://node-a"}
	require.NoError(t, st.CreateNode(ctx, node))

	existing := &store.Stream{NodeID: node.ID, Path: "cam1", Status: store.StatusHealthy}
	require.NoError(t, st.UpsertStream(ctx, existing))
	stale := &store.Stream{NodeID: node.ID, Path: "cam-stale", Status: store.StatusHealthy}
	require.NoError(t, st.UpsertStream(ctx, stale))

	client := &fakeRelayClient{paths: []relay.PathInfo{
		{Name: "cam1", Source: &relay.PathSource{Type: "rtspSession", ID: "rtsp://src/cam1"}},
		{Name: "cam2", Source: &relay.PathSource{Type: "webRTCSession", ID: "whep://src/cam2"}},
	}}

	sync := New(st, func(*store.Node) relay.Client { return client }, lock.NewNodeLocks(), fixedClock{now: time.Now()}, logging.GetGlobalLogger())
	result, err := sync.SyncNode(ctx, node)
	require.NoError(t, err)

	require.Equal(t, 2, result.Total)
	require.Equal(t, 1, result.Created)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, 1, result.Deleted)

	cam1, err := st.GetStream(ctx, node.ID, "cam1")
	require.NoError(t, err)
	require.Equal(t, "rtsp", cam1.Protocol)
	require.Equal(t, store.StatusHealthy, cam1.Status) // preserved, not reset to unknown

	cam2, err := st.GetStream(ctx, node.ID, "cam2")
	require.NoError(t, err)
	require.Equal(t, "webrtc", cam2.Protocol)
	require.Equal(t, store.StatusUnknown, cam2.Status)

	_, err = st.GetStream(ctx, node.ID, "cam-stale")
	require.Error(t, err)
}
