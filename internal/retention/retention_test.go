package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayfleet/controlplane/internal/config"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time      { return c.now }
func (c fixedClock) Sleep(time.Duration) {}

type fixedDisk struct{ usage DiskUsage }

func (d fixedDisk) Usage(string) (*DiskUsage, error) {
	u := d.usage
	return &u, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig(t *testing.T) config.RetentionConfig {
	t.Helper()
	return config.RetentionConfig{
		RecordingsRoot:          t.TempDir(),
		ArchiveRoot:             t.TempDir(),
		ContinuousRetentionDays: 7,
		EventRetentionDays:      30,
		ArchiveAfterDays:        3,
		MinFreeSpaceGB:          50,
		DiskPressureThreshold:   0.85,
		CaptureOnEventEnabled:   true,
		CaptureDurationSec:      30,
	}
}

func seedStream(t *testing.T, st store.Store, path string) *store.Stream {
	t.Helper()
	ctx := context.Background()
	node := &store.Node{Name: "node-" + path, ControlAPIURL: "http://x"}
	require.NoError(t, st.CreateNode(ctx, node))
	s := &store.Stream{NodeID: node.ID, Path: path}
	require.NoError(t, st.UpsertStream(ctx, s))
	return s
}

func writeSegment(t *testing.T, root, dir, name string, size int) string {
	t.Helper()
	full := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(full, 0o755))
	path := filepath.Join(full, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

// TestScanFuzzyMatch covers spec.md §8 S6: a directory named cam_one matches
// the stream stored as cam-one, and the segment's timestamp, size, and
// expiry come out exactly as specified.
func TestScanFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	stream := seedStream(t, st, "cam-one")
	filePath := writeSegment(t, cfg.RecordingsRoot, "cam_one", "2026-01-17_04-40-07.ts", 12345)

	clock := fixedClock{now: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)}
	eng := New(st, cfg, clock, logging.GetGlobalLogger()).WithDiskStater(fixedDisk{DiskUsage{UsedPercent: 10, FreeGB: 500}})

	result, err := eng.Scan(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Added)

	rec, err := st.GetRecordingByFilePath(ctx, filePath)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, stream.ID, rec.StreamID)
	assert.Equal(t, int64(12345), rec.FileSize)
	assert.Equal(t, time.Date(2026, 1, 17, 4, 40, 7, 0, time.UTC), rec.StartTime.UTC())
	assert.Equal(t, rec.StartTime.AddDate(0, 0, cfg.ContinuousRetentionDays).UTC(), rec.ExpiresAt.UTC())
}

// TestScanIdempotence covers invariant 8: a second scan over an unchanged
// tree adds nothing.
func TestScanIdempotence(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	seedStream(t, st, "cam1")
	writeSegment(t, cfg.RecordingsRoot, "cam1", "2026-01-17_04-40-07.mp4", 100)
	writeSegment(t, cfg.RecordingsRoot, "cam1", "not-a-segment.mp4", 100) // unparseable, skipped

	eng := New(st, cfg, fixedClock{now: time.Now()}, logging.GetGlobalLogger())

	first, err := eng.Scan(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)
	assert.Equal(t, 1, first.Skipped)

	second, err := eng.Scan(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
}

// TestCleanupEvictsExpired covers invariant 7: after a non-dry-run cleanup,
// no unarchived expired row remains and its file is gone from disk.
func TestCleanupEvictsExpired(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	stream := seedStream(t, st, "cam1")

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expiredFile := writeSegment(t, cfg.RecordingsRoot, "cam1", "2026-01-01_00-00-00.ts", 10)
	require.NoError(t, st.CreateRecording(ctx, &store.Recording{
		StreamID: stream.ID, FilePath: expiredFile, SegmentType: store.SegmentContinuous,
		StartTime: now.AddDate(0, 0, -31), ExpiresAt: now.AddDate(0, 0, -1),
	}))
	liveFile := writeSegment(t, cfg.RecordingsRoot, "cam1", "2026-01-31_00-00-00.ts", 10)
	require.NoError(t, st.CreateRecording(ctx, &store.Recording{
		StreamID: stream.ID, FilePath: liveFile, SegmentType: store.SegmentContinuous,
		StartTime: now.AddDate(0, 0, -1), ExpiresAt: now.AddDate(0, 0, 6),
	}))
	// An archived expired recording is left alone.
	archivedFile := writeSegment(t, cfg.RecordingsRoot, "cam1", "2026-01-02_00-00-00.ts", 10)
	require.NoError(t, st.CreateRecording(ctx, &store.Recording{
		StreamID: stream.ID, FilePath: archivedFile, SegmentType: store.SegmentContinuous,
		StartTime: now.AddDate(0, 0, -30), ExpiresAt: now.AddDate(0, 0, -1),
		IsArchived: true, ArchivePath: "/archive/x.ts",
	}))

	eng := New(st, cfg, fixedClock{now: now}, logging.GetGlobalLogger()).
		WithDiskStater(fixedDisk{DiskUsage{UsedPercent: 10, FreeGB: 500}})

	result, err := eng.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredDeleted)
	assert.Empty(t, result.Errors)

	_, err = os.Stat(expiredFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(liveFile)
	assert.NoError(t, err)
	_, err = os.Stat(archivedFile)
	assert.NoError(t, err)

	remaining, err := st.ListExpiredRecordings(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// TestCleanupDiskPressure covers spec.md §8 S5: at 90% usage with 10 GB
// free, cleanup evicts oldest continuous recordings with
// reason=disk_pressure and never touches archived rows.
func TestCleanupDiskPressure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	stream := seedStream(t, st, "cam1")

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	const segSize = 8 << 30 // 8 GiB each, so several must go before free >= 50
	var files []string
	for i := 0; i < 10; i++ {
		name := now.AddDate(0, 0, -10+i).Format("2006-01-02_15-04-05") + ".ts"
		path := filepath.Join(cfg.RecordingsRoot, "cam1", name)
		files = append(files, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, st.CreateRecording(ctx, &store.Recording{
			StreamID: stream.ID, FilePath: path, FileSize: segSize,
			SegmentType: store.SegmentContinuous,
			StartTime:   now.AddDate(0, 0, -10+i), ExpiresAt: now.AddDate(0, 0, 5),
		}))
	}

	eng := New(st, cfg, fixedClock{now: now}, logging.GetGlobalLogger()).
		WithDiskStater(fixedDisk{DiskUsage{UsedPercent: 90, FreeGB: 10}})

	result, err := eng.Cleanup(ctx, false)
	require.NoError(t, err)
	// Needs 40 GB more; 8 GiB per victim means 5 evictions.
	assert.Equal(t, 5, result.PressureDeleted)
	for _, v := range result.Victims {
		assert.Equal(t, "disk_pressure", v.Reason)
	}
	// Oldest went first.
	for i := 0; i < 5; i++ {
		_, err := os.Stat(files[i])
		assert.True(t, os.IsNotExist(err), files[i])
	}
	for i := 5; i < 10; i++ {
		_, err := os.Stat(files[i])
		assert.NoError(t, err, files[i])
	}
}

func TestCleanupDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	stream := seedStream(t, st, "cam1")

	now := time.Now().UTC()
	file := writeSegment(t, cfg.RecordingsRoot, "cam1", "2026-01-01_00-00-00.ts", 10)
	require.NoError(t, st.CreateRecording(ctx, &store.Recording{
		StreamID: stream.ID, FilePath: file, SegmentType: store.SegmentContinuous,
		StartTime: now.AddDate(0, 0, -31), ExpiresAt: now.AddDate(0, 0, -1),
	}))

	eng := New(st, cfg, fixedClock{now: now}, logging.GetGlobalLogger()).
		WithDiskStater(fixedDisk{DiskUsage{UsedPercent: 10, FreeGB: 500}})

	result, err := eng.Cleanup(ctx, true)
	require.NoError(t, err)
	require.Len(t, result.Victims, 1)
	assert.Equal(t, "expired", result.Victims[0].Reason)
	assert.Zero(t, result.ExpiredDeleted)

	_, err = os.Stat(file)
	assert.NoError(t, err)
	remaining, err := st.ListExpiredRecordings(ctx, now)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestArchiveCopiesIntoDateTree(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	stream := seedStream(t, st, "garage/cam1")

	file := writeSegment(t, cfg.RecordingsRoot, "garage_cam1", "2026-01-17_04-40-07.mp4", 64)
	rec := &store.Recording{
		StreamID: stream.ID, FilePath: file, FileSize: 64,
		SegmentType: store.SegmentContinuous,
		StartTime:   time.Date(2026, 1, 17, 4, 40, 7, 0, time.UTC),
		ExpiresAt:   time.Date(2026, 1, 24, 4, 40, 7, 0, time.UTC),
	}
	require.NoError(t, st.CreateRecording(ctx, rec))

	eng := New(st, cfg, fixedClock{now: time.Now()}, logging.GetGlobalLogger())
	dest, err := eng.Archive(ctx, rec)
	require.NoError(t, err)

	want := filepath.Join(cfg.ArchiveRoot, "2026", "01", "17", "garage_cam1", "2026-01-17_04-40-07.mp4")
	assert.Equal(t, want, dest)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(64), info.Size())

	updated, err := st.GetRecordingByFilePath(ctx, file)
	require.NoError(t, err)
	assert.True(t, updated.IsArchived)
	assert.Equal(t, dest, updated.ArchivePath)
	assert.Equal(t, dest, PlaybackSource(updated))
}

func TestPlaybackURL(t *testing.T) {
	ts := &store.Recording{ID: 7, FilePath: "/r/cam/2026-01-01_00-00-00.ts"}
	mp4 := &store.Recording{ID: 8, FilePath: "/r/cam/2026-01-01_00-00-00.mp4"}
	assert.Equal(t, "/api/recordings/7/transcode", PlaybackURL(ts))
	assert.Equal(t, "/api/recordings/8/stream", PlaybackURL(mp4))
}

func TestStartEventCapture(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	cfg := testConfig(t)
	stream := seedStream(t, st, "cam1")
	ev := &store.StreamEvent{StreamID: stream.ID, Kind: store.EventBlackScreen, Severity: store.SeverityError}
	require.NoError(t, st.CreateEvent(ctx, ev))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := New(st, cfg, fixedClock{now: now}, logging.GetGlobalLogger()).WithCaptureBinary("true")

	rec, err := eng.StartEventCapture(ctx, stream, "rtsp://node/cam1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SegmentEvent, rec.SegmentType)
	require.NotNil(t, rec.TriggeringEventID)
	assert.Equal(t, ev.ID, *rec.TriggeringEventID)
	assert.Equal(t, now.AddDate(0, 0, cfg.EventRetentionDays), rec.ExpiresAt)
}
