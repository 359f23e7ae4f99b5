// Package retention implements the Retention & Archival Engine (C8): it
// walks the recording tree and indexes segments, expires and evicts
// recordings, archives segments to the remote tree, and spawns event-triggered
// captures. Grounded in retention_manager.py (cleanup, archive_recording,
// start_event_recording) with the filename-timestamp and fuzzy directory
// matching rules layered on top.
package retention

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/relayfleet/controlplane/internal/config"
	"github.com/relayfleet/controlplane/internal/errs"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/platform"
	"github.com/relayfleet/controlplane/internal/store"
)

// timestampPattern matches the segment filename convention
// <YYYY-MM-DD_HH-MM-SS>.<ext>; files that don't match are skipped.
var timestampPattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})`)

const timestampLayout = "2006-01-02_15-04-05"

// segmentExtensions are the file extensions indexed as recordings.
var segmentExtensions = map[string]bool{
	".ts": true, ".mp4": true, ".mkv": true, ".flv": true,
}

// pressureEvictionCap bounds how many recordings a single cleanup pass may
// evict under disk pressure.
const pressureEvictionCap = 100

// DiskUsage is the subset of filesystem statistics the cleanup pass needs.
type DiskUsage struct {
	UsedPercent float64
	FreeGB      float64
}

// DiskStater reports filesystem usage for a path. The production
// implementation wraps gopsutil; tests substitute fixed values.
type DiskStater interface {
	Usage(path string) (*DiskUsage, error)
}

type gopsutilDisk struct{}

func (gopsutilDisk) Usage(path string) (*DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		UsedPercent: u.UsedPercent,
		FreeGB:      float64(u.Free) / (1 << 30),
	}, nil
}

// Engine runs scan, cleanup, archive, and event capture against the
// recording tree.
type Engine struct {
	store      store.Store
	cfg        config.RetentionConfig
	disk       DiskStater
	clock      platform.Clock
	logger     *logging.Logger
	captureBin string
}

// New builds an Engine using gopsutil for disk statistics and ffmpeg for
// event captures.
func New(st store.Store, cfg config.RetentionConfig, clock platform.Clock, logger *logging.Logger) *Engine {
	return &Engine{store: st, cfg: cfg, disk: gopsutilDisk{}, clock: clock, logger: logger, captureBin: "ffmpeg"}
}

// WithDiskStater overrides the disk statistics source.
func (e *Engine) WithDiskStater(d DiskStater) *Engine {
	e.disk = d
	return e
}

// WithCaptureBinary overrides the capture binary path.
func (e *Engine) WithCaptureBinary(bin string) *Engine {
	e.captureBin = bin
	return e
}

// normalizeDirName lowercases and strips separator characters so that
// "cam-one", "cam_one" and "Cam/One" all compare equal.
func normalizeDirName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '/', '\\':
			return -1
		}
		return r
	}, strings.ToLower(s))
}

// streamIndex resolves a recording directory name to a Stream: exact path,
// with/without leading separator, then fuzzy.
type streamIndex struct {
	exact map[string]uint
	fuzzy map[string]uint
}

func buildStreamIndex(streams []store.Stream) *streamIndex {
	idx := &streamIndex{exact: make(map[string]uint), fuzzy: make(map[string]uint)}
	for _, s := range streams {
		idx.exact[s.Path] = s.ID
		idx.exact[strings.TrimPrefix(s.Path, "/")] = s.ID
		idx.fuzzy[normalizeDirName(s.Path)] = s.ID
	}
	return idx
}

func (idx *streamIndex) match(dir string) (uint, bool) {
	if id, ok := idx.exact[dir]; ok {
		return id, true
	}
	if id, ok := idx.exact["/"+dir]; ok {
		return id, true
	}
	if id, ok := idx.exact[strings.TrimPrefix(dir, "/")]; ok {
		return id, true
	}
	if id, ok := idx.fuzzy[normalizeDirName(dir)]; ok {
		return id, true
	}
	return 0, false
}

// ScanResult reports what one scan pass changed.
type ScanResult struct {
	Added     int
	Refreshed int
	Skipped   int
	Errors    []string
}

// Scan walks the recording root, matches each directory to a known Stream,
// and upserts a Recording row per parseable segment file. forceRescan
// refreshes size and start time on rows that already exist. Scanning the
// same unchanged tree twice adds nothing the second time.
func (e *Engine) Scan(ctx context.Context, forceRescan bool) (*ScanResult, error) {
	streams, err := e.store.ListAllStreams(ctx)
	if err != nil {
		return nil, err
	}
	idx := buildStreamIndex(streams)

	entries, err := os.ReadDir(e.cfg.RecordingsRoot)
	if err != nil {
		return nil, errs.Resource("retention.scan", "failed to read recording root", err)
	}

	result := &ScanResult{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, errs.Cancelled("retention.scan", err)
		}
		if !entry.IsDir() {
			continue
		}
		streamID, ok := idx.match(entry.Name())
		if !ok {
			result.Skipped++
			continue
		}
		if err := e.scanStreamDir(ctx, streamID, filepath.Join(e.cfg.RecordingsRoot, entry.Name()), forceRescan, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}
	return result, nil
}

func (e *Engine) scanStreamDir(ctx context.Context, streamID uint, dir string, forceRescan bool, result *ScanResult) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return errs.Resource("retention.scan", fmt.Sprintf("failed to read %s", dir), err)
	}
	for _, f := range files {
		if f.IsDir() || !segmentExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
			continue
		}
		m := timestampPattern.FindStringSubmatch(f.Name())
		if m == nil {
			result.Skipped++
			continue
		}
		start, err := time.ParseInLocation(timestampLayout, m[1], time.UTC)
		if err != nil {
			result.Skipped++
			continue
		}
		info, err := f.Info()
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		fullPath := filepath.Join(dir, f.Name())
		existing, err := e.store.GetRecordingByFilePath(ctx, fullPath)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if existing != nil {
			if forceRescan {
				if err := e.store.UpdateRecordingSizeAndStart(ctx, existing.ID, info.Size(), start); err != nil {
					result.Errors = append(result.Errors, err.Error())
					continue
				}
				result.Refreshed++
			}
			continue
		}

		rec := &store.Recording{
			StreamID:      streamID,
			FilePath:      fullPath,
			FileSize:      info.Size(),
			StartTime:     start,
			SegmentType:   store.SegmentContinuous,
			RetentionDays: e.cfg.ContinuousRetentionDays,
			ExpiresAt:     start.AddDate(0, 0, e.cfg.ContinuousRetentionDays),
		}
		if err := e.store.CreateRecording(ctx, rec); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Added++
	}
	return nil
}

// Victim is one recording a cleanup pass deleted (or would delete, under
// dry_run).
type Victim struct {
	RecordingID uint
	FilePath    string
	SizeBytes   int64
	Reason      string
}

// CleanupResult reports one cleanup pass.
type CleanupResult struct {
	ExpiredDeleted  int
	PressureDeleted int
	Victims         []Victim
	Errors          []string
	DryRun          bool
}

// Cleanup runs the two eviction passes from spec order: expired first, then
// disk pressure. Individual file errors are collected and never stop the
// pass. dry_run performs no filesystem or store writes and reports the
// would-be victims instead.
func (e *Engine) Cleanup(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	result := &CleanupResult{DryRun: dryRun}
	now := e.clock.Now()

	expired, err := e.store.ListExpiredRecordings(ctx, now)
	if err != nil {
		return nil, err
	}
	for i := range expired {
		rec := expired[i]
		v := Victim{RecordingID: rec.ID, FilePath: rec.FilePath, SizeBytes: rec.FileSize, Reason: "expired"}
		if dryRun {
			result.Victims = append(result.Victims, v)
			continue
		}
		if err := e.deleteRecording(ctx, &rec); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Victims = append(result.Victims, v)
		result.ExpiredDeleted++
	}

	usage, err := e.disk.Usage(e.cfg.RecordingsRoot)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}
	if usage.UsedPercent < e.cfg.DiskPressureThreshold*100 {
		return result, nil
	}

	candidates, err := e.store.ListOldestContinuousRecordings(ctx, pressureEvictionCap)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}
	freeGB := usage.FreeGB
	for i := range candidates {
		if freeGB >= e.cfg.MinFreeSpaceGB {
			break
		}
		rec := candidates[i]
		v := Victim{RecordingID: rec.ID, FilePath: rec.FilePath, SizeBytes: rec.FileSize, Reason: "disk_pressure"}
		if dryRun {
			result.Victims = append(result.Victims, v)
			freeGB += float64(rec.FileSize) / (1 << 30)
			continue
		}
		if err := e.deleteRecording(ctx, &rec); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Victims = append(result.Victims, v)
		result.PressureDeleted++
		freeGB += float64(rec.FileSize) / (1 << 30)
	}
	return result, nil
}

// deleteRecording removes the file first, then the row; a missing file is
// not an error (the row is stale and should go regardless).
func (e *Engine) deleteRecording(ctx context.Context, rec *store.Recording) error {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		return errs.Resource("retention.delete", fmt.Sprintf("failed to remove %s", rec.FilePath), err)
	}
	return e.store.DeleteRecording(ctx, rec.ID)
}

// Archive copies a recording into the archive tree at
// archive_root/YYYY/MM/DD/<stream_path_flat>/<file> and marks the row
// archived. The source file stays in place; expiry no longer evicts it.
func (e *Engine) Archive(ctx context.Context, rec *store.Recording) (string, error) {
	stream, err := e.store.GetStreamByID(ctx, rec.StreamID)
	if err != nil {
		return "", err
	}

	t := rec.StartTime
	destDir := filepath.Join(
		e.cfg.ArchiveRoot,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		flattenStreamPath(stream.Path),
	)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errs.Resource("retention.archive", "failed to create archive directory", err)
	}
	destPath := filepath.Join(destDir, filepath.Base(rec.FilePath))

	if err := copyFile(rec.FilePath, destPath); err != nil {
		return "", errs.Resource("retention.archive", fmt.Sprintf("failed to copy %s", rec.FilePath), err)
	}
	if err := e.store.MarkArchived(ctx, rec.ID, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// ArchiveSweep archives up to batch continuous recordings older than the
// configured archive age. Per-recording failures are collected; the sweep
// continues.
func (e *Engine) ArchiveSweep(ctx context.Context, batch int) (archived int, errors []string, err error) {
	cutoff := e.clock.Now().AddDate(0, 0, -e.cfg.ArchiveAfterDays)
	candidates, err := e.store.ListArchiveCandidates(ctx, cutoff, batch)
	if err != nil {
		return 0, nil, err
	}
	for i := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return archived, errors, errs.Cancelled("retention.archive_sweep", ctxErr)
		}
		if _, aerr := e.Archive(ctx, &candidates[i]); aerr != nil {
			errors = append(errors, aerr.Error())
			continue
		}
		archived++
	}
	return archived, errors, nil
}

func flattenStreamPath(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// StartEventCapture spawns the capture binary against mediaURL for the
// configured duration and inserts an event Recording row referencing the
// triggering StreamEvent. The subprocess is fire-and-forget; the row is
// committed only after the spawn is observed.
func (e *Engine) StartEventCapture(ctx context.Context, stream *store.Stream, mediaURL string, eventID uint) (*store.Recording, error) {
	if !e.cfg.CaptureOnEventEnabled {
		return nil, errs.State("retention.capture", "event capture disabled by configuration")
	}

	now := e.clock.Now()
	dir := filepath.Join(e.cfg.RecordingsRoot, flattenStreamPath(stream.Path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Resource("retention.capture", "failed to create capture directory", err)
	}
	outPath := filepath.Join(dir, now.UTC().Format(timestampLayout)+"_event.mp4")

	argv := []string{
		"-i", mediaURL,
		"-t", fmt.Sprintf("%d", e.cfg.CaptureDurationSec),
		"-c", "copy",
		"-y", outPath,
	}
	if strings.HasPrefix(mediaURL, "rtsp://") {
		argv = append([]string{"-rtsp_transport", "tcp"}, argv...)
	}
	cmd := exec.Command(e.captureBin, argv...)
	if err := cmd.Start(); err != nil {
		return nil, errs.Probe("retention.capture", "failed to spawn capture process", err)
	}
	// Reap the child without waiting for it here.
	go func() { _ = cmd.Wait() }()

	rec := &store.Recording{
		StreamID:          stream.ID,
		FilePath:          outPath,
		StartTime:         now,
		SegmentType:       store.SegmentEvent,
		TriggeringEventID: &eventID,
		RetentionDays:     e.cfg.EventRetentionDays,
		ExpiresAt:         now.AddDate(0, 0, e.cfg.EventRetentionDays),
	}
	if err := e.store.CreateRecording(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Search returns a stream's recordings whose start time falls within
// [start, end], newest first. Zero times leave the corresponding bound open.
func (e *Engine) Search(ctx context.Context, streamID uint, start, end time.Time) ([]store.Recording, error) {
	return e.store.ListRecordingsInRange(ctx, streamID, start, end)
}

// PlaybackSource returns the file a player should read: the archive copy
// when one exists, otherwise the live recording tree.
func PlaybackSource(rec *store.Recording) string {
	if rec.IsArchived && rec.ArchivePath != "" {
		return rec.ArchivePath
	}
	return rec.FilePath
}

// PlaybackURL derives the serving endpoint path for a recording: MPEG-TS
// segments go through the transcode endpoint, everything else is served
// directly.
func PlaybackURL(rec *store.Recording) string {
	if strings.EqualFold(filepath.Ext(rec.FilePath), ".ts") {
		return fmt.Sprintf("/api/recordings/%d/transcode", rec.ID)
	}
	return fmt.Sprintf("/api/recordings/%d/stream", rec.ID)
}
