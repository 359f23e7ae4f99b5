package configengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// recordingClient records every mutating call so tests can assert on the
// exact request sequence a workflow produced.
type recordingClient struct {
	currentYAML string
	patchErrs   []error // consumed in order; nil entry means success
	calls       []string
	patched     []string
}

func (r *recordingClient) ListPaths(ctx context.Context) ([]relay.PathInfo, error) { return nil, nil }
func (r *recordingClient) GetPathConfig(ctx context.Context, path string) (string, error) {
	return "", nil
}
func (r *recordingClient) AddPath(ctx context.Context, path string, body []byte) error { return nil }
func (r *recordingClient) DeletePath(ctx context.Context, path string) error           { return nil }
func (r *recordingClient) GetGlobalConfig(ctx context.Context) (string, error) {
	r.calls = append(r.calls, "GET")
	return r.currentYAML, nil
}
func (r *recordingClient) PatchGlobalConfig(ctx context.Context, body []byte) error {
	r.calls = append(r.calls, "PATCH")
	r.patched = append(r.patched, string(body))
	if len(r.patchErrs) > 0 {
		err := r.patchErrs[0]
		r.patchErrs = r.patchErrs[1:]
		return err
	}
	return nil
}
func (r *recordingClient) ListSessions(ctx context.Context, proto relay.Protocol) ([]relay.Session, error) {
	return nil, nil
}
func (r *recordingClient) KickSession(ctx context.Context, proto relay.Protocol, id string) error {
	return nil
}
func (r *recordingClient) ListRTSPSessionsOnPath(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

// TestHashDeterminism covers invariant 1: semantically equal configs hash
// identically regardless of key order or formatting.
func TestHashDeterminism(t *testing.T) {
	a := "paths:\n  cam1:\n    source: rtsp://x\n  cam2: {}\nreadTimeout: 10\n"
	b := "readTimeout: 10\npaths:\n  cam2: {}\n  cam1:\n    source: rtsp://x\n"
	hashA, err := Hash(a)
	require.NoError(t, err)
	hashB, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 16)

	c := "paths:\n  cam1:\n    source: rtsp://y\n"
	hashC, err := Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		valid     bool
		warnings  int
	}{
		{"valid minimal", "paths:\n  cam1:\n", true, 0},
		{"missing paths", "readTimeout: 10\n", false, 0},
		{"paths not mapping", "paths: [a, b]\n", false, 0},
		{"source not string", "paths:\n  cam1:\n    source: 42\n", false, 0},
		{"low timeouts warn", "paths: {}\nreadTimeout: 2\nwriteTimeout: 3\n", true, 2},
		{"not yaml", "paths: [unclosed\n", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := (&Engine{}).Validate(tt.yaml)
			assert.Equal(t, tt.valid, result.Valid)
			assert.Len(t, result.Warnings, tt.warnings)
		})
	}
}

func TestDiffStructuralChanges(t *testing.T) {
	oldYAML := "paths:\n  a:\n    source: old\n  b: {}\n"
	newYAML := "paths:\n  a:\n    source: new\n  c: {}\n"
	diff, err := Diff(oldYAML, newYAML)
	require.NoError(t, err)
	assert.True(t, diff.HasChanges)

	byPath := map[string]string{}
	for _, c := range diff.Changes {
		byPath[c.Path] = c.Type
	}
	assert.Equal(t, "modified", byPath["paths.a.source"])
	assert.Equal(t, "removed", byPath["paths.b"])
	assert.Equal(t, "added", byPath["paths.c"])
}

// TestApplyRollsBackOnFailure covers spec.md §8 S4: a failing apply rolls
// the node back to the backup config, persists the backup snapshot only,
// and reports {success:false, rolled_back:true}.
func TestApplyRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := &store.Node{Name: "node-a", ControlAPIURL: "http://node-a"}
	require.NoError(t, st.CreateNode(ctx, node))

	oldYAML := "paths:\n  a:\n    source: old\n"
	newYAML := "paths:\n  a:\n    source: new\n"
	client := &recordingClient{
		currentYAML: oldYAML,
		patchErrs:   []error{assert.AnError}, // new config fails; rollback succeeds
	}

	eng := New(st, func(*store.Node) relay.Client { return client }, lock.NewNodeLocks(), logging.GetGlobalLogger())
	result, err := eng.Apply(ctx, node, newYAML, "prod", "", "operator")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, result.RolledBack)

	// The node received exactly: GET current, PATCH new (fail), PATCH old.
	assert.Equal(t, []string{"GET", "PATCH", "PATCH"}, client.calls)
	require.Len(t, client.patched, 2)
	assert.Equal(t, newYAML, client.patched[0])
	assert.Equal(t, oldYAML, client.patched[1])

	// Only the backup snapshot exists, and it is the old content.
	backup, err := st.GetSnapshot(ctx, result.BackupID)
	require.NoError(t, err)
	assert.Equal(t, oldYAML, backup.YAMLText)
	assert.True(t, backup.Applied)
	_, err = st.GetSnapshot(ctx, result.BackupID+1)
	assert.Error(t, err)
}

func TestApplySuccessPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := &store.Node{Name: "node-a", ControlAPIURL: "http://node-a"}
	require.NoError(t, st.CreateNode(ctx, node))

	client := &recordingClient{currentYAML: "paths:\n  a:\n    source: old\n"}
	eng := New(st, func(*store.Node) relay.Client { return client }, lock.NewNodeLocks(), logging.GetGlobalLogger())

	newYAML := "paths:\n  a:\n    source: new\n"
	result, err := eng.Apply(ctx, node, newYAML, "prod", "bump source", "operator")
	require.NoError(t, err)
	require.True(t, result.Success)

	snap, err := st.GetSnapshot(ctx, result.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, newYAML, snap.YAMLText)
	assert.Equal(t, "operator", snap.AppliedBy)

	// A later apply plans against the stored snapshot, not the live node.
	latest, err := st.GetLatestAppliedSnapshot(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, snap.ID, latest.ID)
}

// TestRollingUpdateAbortsAfterFailedBatch covers invariant 6: when a node in
// batch k fails, no node in batch k+1 is touched.
func TestRollingUpdateAbortsAfterFailedBatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	nodes := make([]store.Node, 4)
	clients := map[string]*recordingClient{}
	for i, name := range []string{"n1", "n2", "n3", "n4"} {
		n := store.Node{Name: name, ControlAPIURL: "http://" + name}
		require.NoError(t, st.CreateNode(ctx, &n))
		nodes[i] = n
		clients[name] = &recordingClient{currentYAML: "paths: {}\n"}
	}
	// Every patch against n2 fails, including the rollback attempt.
	clients["n2"].patchErrs = []error{assert.AnError, assert.AnError}

	eng := New(st, func(n *store.Node) relay.Client { return clients[n.Name] }, lock.NewNodeLocks(), logging.GetGlobalLogger())
	results, err := eng.RollingUpdate(ctx, nodes, "paths:\n  a: {}\n", "prod", 2, 0, func(time.Duration) {})
	require.Error(t, err)
	require.Len(t, results, 2) // batch 1 only

	assert.Empty(t, clients["n3"].calls, "node in the aborted batch must be untouched")
	assert.Empty(t, clients["n4"].calls, "node in the aborted batch must be untouched")
}

func TestRollbackTagsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	node := &store.Node{Name: "node-a", ControlAPIURL: "http://node-a"}
	require.NoError(t, st.CreateNode(ctx, node))

	client := &recordingClient{currentYAML: "paths: {}\n"}
	eng := New(st, func(*store.Node) relay.Client { return client }, lock.NewNodeLocks(), logging.GetGlobalLogger())

	first, err := eng.Apply(ctx, node, "paths:\n  a: {}\n", "prod", "", "operator")
	require.NoError(t, err)
	require.True(t, first.Success)
	second, err := eng.Apply(ctx, node, "paths:\n  b: {}\n", "prod", "", "operator")
	require.NoError(t, err)
	require.True(t, second.Success)

	rolled, err := eng.Rollback(ctx, node, first.SnapshotID, "operator")
	require.NoError(t, err)
	require.True(t, rolled.Success)

	snap, err := st.GetSnapshot(ctx, rolled.SnapshotID)
	require.NoError(t, err)
	require.NotNil(t, snap.RollbackOf)
	assert.Equal(t, first.SnapshotID, *snap.RollbackOf)
	assert.Equal(t, "paths:\n  a: {}\n", snap.YAMLText)
}
