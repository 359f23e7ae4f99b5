package store

import (
	"context"
	"fmt"
	"time"

	"github.com/relayfleet/controlplane/internal/errs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the metadata store's contract. Every reliability-core component
// depends on this interface, never on *gorm.DB directly, so tests can swap in
// an in-memory sqlite instance without touching production wiring.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, n *Node) error
	GetNode(ctx context.Context, id uint) (*Node, error)
	GetNodeByName(ctx context.Context, name string) (*Node, error)
	ListActiveNodes(ctx context.Context) ([]Node, error)
	TouchNodeLastSeen(ctx context.Context, nodeID uint, at time.Time) error
	SetNodeActive(ctx context.Context, nodeID uint, active bool) error
	DeleteNode(ctx context.Context, nodeID uint) error

	// Streams
	UpsertStream(ctx context.Context, s *Stream) error
	GetStream(ctx context.Context, nodeID uint, path string) (*Stream, error)
	GetStreamByID(ctx context.Context, id uint) (*Stream, error)
	ListStreamsByNode(ctx context.Context, nodeID uint) ([]Stream, error)
	ListAllStreams(ctx context.Context) ([]Stream, error)
	DeleteStream(ctx context.Context, id uint) error
	UpdateStreamStatus(ctx context.Context, id uint, status StreamStatus) error
	UpdateStreamMetrics(ctx context.Context, id uint, fps, bitrate, latencyMs, keyframeInterval float64) error
	RecordRemediationRun(ctx context.Context, id uint, at time.Time) error
	SampleStreamsForDeepHealth(ctx context.Context, limit int) ([]Stream, error)

	// StreamEvents
	CreateEvent(ctx context.Context, e *StreamEvent) error
	CountEventsSince(ctx context.Context, streamID uint, kind EventKind, since time.Time) (int64, error)
	ListEventsForStream(ctx context.Context, streamID uint, limit int) ([]StreamEvent, error)

	// Recordings
	CreateRecording(ctx context.Context, r *Recording) error
	GetRecordingByFilePath(ctx context.Context, filePath string) (*Recording, error)
	ListExpiredRecordings(ctx context.Context, now time.Time) ([]Recording, error)
	ListOldestContinuousRecordings(ctx context.Context, limit int) ([]Recording, error)
	ListArchiveCandidates(ctx context.Context, olderThan time.Time, limit int) ([]Recording, error)
	ListRecordingsInRange(ctx context.Context, streamID uint, start, end time.Time) ([]Recording, error)
	DeleteRecording(ctx context.Context, id uint) error
	MarkArchived(ctx context.Context, id uint, archivePath string) error
	UpdateRecordingSizeAndStart(ctx context.Context, id uint, size int64, start time.Time) error

	// ConfigSnapshots
	CreateSnapshot(ctx context.Context, s *ConfigSnapshot) error
	GetSnapshot(ctx context.Context, id uint) (*ConfigSnapshot, error)
	GetLatestAppliedSnapshot(ctx context.Context, nodeID uint) (*ConfigSnapshot, error)
	TagSnapshotRollback(ctx context.Context, snapshotID, rollbackOf uint) error

	// IPBlockEntries
	CreateBlock(ctx context.Context, b *IPBlockEntry) error
	ListActiveBlocks(ctx context.Context) ([]IPBlockEntry, error)
	DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error)
	Deactivate(ctx context.Context, id uint) error

	// WithTx runs fn inside a transaction; fn's Store argument is bound to the tx.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Close() error
}

type gormStore struct {
	db *gorm.DB
}

// Open connects to a sqlite database at path and migrates the schema.
func Open(path string, maxOpenConns, maxIdleConns int) (Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.Resource("store.open", "failed to open metadata store", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Resource("store.open", "failed to access underlying sql.DB", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)

	if err := Migrate(db); err != nil {
		return nil, errs.Resource("store.migrate", "failed to migrate schema", err)
	}

	return &gormStore{db: db}, nil
}

func (s *gormStore) ctxDB(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

func (s *gormStore) CreateNode(ctx context.Context, n *Node) error {
	if err := s.ctxDB(ctx).Create(n).Error; err != nil {
		return errs.Resource("store.create_node", "failed to create node", err)
	}
	return nil
}

func (s *gormStore) GetNode(ctx context.Context, id uint) (*Node, error) {
	var n Node
	if err := s.ctxDB(ctx).First(&n, id).Error; err != nil {
		return nil, errs.State("store.get_node", fmt.Sprintf("node %d not found", id))
	}
	return &n, nil
}

func (s *gormStore) GetNodeByName(ctx context.Context, name string) (*Node, error) {
	var n Node
	if err := s.ctxDB(ctx).Where("name = ?", name).First(&n).Error; err != nil {
		return nil, errs.State("store.get_node", fmt.Sprintf("node %q not found", name))
	}
	return &n, nil
}

func (s *gormStore) ListActiveNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := s.ctxDB(ctx).Where("is_active = ?", true).Find(&nodes).Error; err != nil {
		return nil, errs.Resource("store.list_nodes", "failed to list active nodes", err)
	}
	return nodes, nil
}

func (s *gormStore) TouchNodeLastSeen(ctx context.Context, nodeID uint, at time.Time) error {
	if err := s.ctxDB(ctx).Model(&Node{}).Where("id = ?", nodeID).Update("last_seen", at).Error; err != nil {
		return errs.Resource("store.touch_node", "failed to update node heartbeat", err)
	}
	return nil
}

func (s *gormStore) SetNodeActive(ctx context.Context, nodeID uint, active bool) error {
	if err := s.ctxDB(ctx).Model(&Node{}).Where("id = ?", nodeID).Update("is_active", active).Error; err != nil {
		return errs.Resource("store.set_node_active", "failed to update node activation", err)
	}
	return nil
}

func (s *gormStore) DeleteNode(ctx context.Context, nodeID uint) error {
	if err := s.ctxDB(ctx).Select("Streams").Delete(&Node{ID: nodeID}).Error; err != nil {
		return errs.Resource("store.delete_node", "failed to delete node", err)
	}
	return nil
}

func (s *gormStore) UpsertStream(ctx context.Context, st *Stream) error {
	want := *st
	err := s.ctxDB(ctx).
		Where(Stream{NodeID: st.NodeID, Path: st.Path}).
		Assign(want).
		FirstOrCreate(st).Error
	if err != nil {
		return errs.Resource("store.upsert_stream", "failed to upsert stream", err)
	}
	return nil
}

func (s *gormStore) GetStream(ctx context.Context, nodeID uint, path string) (*Stream, error) {
	var st Stream
	if err := s.ctxDB(ctx).Where("node_id = ? AND path = ?", nodeID, path).First(&st).Error; err != nil {
		return nil, errs.State("store.get_stream", fmt.Sprintf("stream %q on node %d not found", path, nodeID))
	}
	return &st, nil
}

func (s *gormStore) GetStreamByID(ctx context.Context, id uint) (*Stream, error) {
	var st Stream
	if err := s.ctxDB(ctx).First(&st, id).Error; err != nil {
		return nil, errs.State("store.get_stream_by_id", fmt.Sprintf("stream %d not found", id))
	}
	return &st, nil
}

func (s *gormStore) ListStreamsByNode(ctx context.Context, nodeID uint) ([]Stream, error) {
	var streams []Stream
	if err := s.ctxDB(ctx).Where("node_id = ?", nodeID).Find(&streams).Error; err != nil {
		return nil, errs.Resource("store.list_streams", "failed to list streams for node", err)
	}
	return streams, nil
}

func (s *gormStore) ListAllStreams(ctx context.Context) ([]Stream, error) {
	var streams []Stream
	if err := s.ctxDB(ctx).Find(&streams).Error; err != nil {
		return nil, errs.Resource("store.list_all_streams", "failed to list streams", err)
	}
	return streams, nil
}

func (s *gormStore) DeleteStream(ctx context.Context, id uint) error {
	if err := s.ctxDB(ctx).Select("Events", "Recordings").Delete(&Stream{ID: id}).Error; err != nil {
		return errs.Resource("store.delete_stream", "failed to delete stream", err)
	}
	return nil
}

func (s *gormStore) UpdateStreamStatus(ctx context.Context, id uint, status StreamStatus) error {
	now := time.Now()
	err := s.ctxDB(ctx).Model(&Stream{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "last_check": now}).Error
	if err != nil {
		return errs.Resource("store.update_status", "failed to update stream status", err)
	}
	return nil
}

func (s *gormStore) UpdateStreamMetrics(ctx context.Context, id uint, fps, bitrate, latencyMs, keyframeInterval float64) error {
	err := s.ctxDB(ctx).Model(&Stream{}).Where("id = ?", id).Updates(map[string]interface{}{
		"fps": fps, "bitrate": bitrate, "latency_ms": latencyMs, "keyframe_interval": keyframeInterval,
	}).Error
	if err != nil {
		return errs.Resource("store.update_metrics", "failed to update stream metrics", err)
	}
	return nil
}

func (s *gormStore) RecordRemediationRun(ctx context.Context, id uint, at time.Time) error {
	err := s.ctxDB(ctx).Model(&Stream{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"remediation_count": gorm.Expr("remediation_count + 1"),
			"last_remediation":  at,
		}).Error
	if err != nil {
		return errs.Resource("store.record_remediation", "failed to record remediation run", err)
	}
	return nil
}

func (s *gormStore) SampleStreamsForDeepHealth(ctx context.Context, limit int) ([]Stream, error) {
	var streams []Stream
	err := s.ctxDB(ctx).
		Where("fps IS NULL OR fps = 0").
		Order("updated_at asc").
		Limit(limit).
		Find(&streams).Error
	if err != nil {
		return nil, errs.Resource("store.sample_deep_health", "failed to sample streams", err)
	}
	if len(streams) > 0 {
		return streams, nil
	}
	if err := s.ctxDB(ctx).Order("updated_at asc").Limit(limit).Find(&streams).Error; err != nil {
		return nil, errs.Resource("store.sample_deep_health", "failed to sample streams", err)
	}
	return streams, nil
}

func (s *gormStore) CreateEvent(ctx context.Context, e *StreamEvent) error {
	if err := s.ctxDB(ctx).Create(e).Error; err != nil {
		return errs.Resource("store.create_event", "failed to create stream event", err)
	}
	return nil
}

func (s *gormStore) CountEventsSince(ctx context.Context, streamID uint, kind EventKind, since time.Time) (int64, error) {
	var count int64
	err := s.ctxDB(ctx).Model(&StreamEvent{}).
		Where("stream_id = ? AND kind = ? AND created_at >= ?", streamID, kind, since).
		Count(&count).Error
	if err != nil {
		return 0, errs.Resource("store.count_events", "failed to count stream events", err)
	}
	return count, nil
}

func (s *gormStore) ListEventsForStream(ctx context.Context, streamID uint, limit int) ([]StreamEvent, error) {
	var events []StreamEvent
	// Insertion order is the per-stream total order; id preserves it even
	// when two events share a timestamp.
	q := s.ctxDB(ctx).Where("stream_id = ?", streamID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, errs.Resource("store.list_events", "failed to list stream events", err)
	}
	return events, nil
}

func (s *gormStore) CreateRecording(ctx context.Context, r *Recording) error {
	if err := s.ctxDB(ctx).Create(r).Error; err != nil {
		return errs.Resource("store.create_recording", "failed to create recording", err)
	}
	return nil
}

func (s *gormStore) GetRecordingByFilePath(ctx context.Context, filePath string) (*Recording, error) {
	var r Recording
	err := s.ctxDB(ctx).Where("file_path = ?", filePath).First(&r).Error
	if err != nil {
		return nil, nil
	}
	return &r, nil
}

func (s *gormStore) ListExpiredRecordings(ctx context.Context, now time.Time) ([]Recording, error) {
	var recs []Recording
	err := s.ctxDB(ctx).Where("expires_at <= ? AND is_archived = ?", now, false).Find(&recs).Error
	if err != nil {
		return nil, errs.Resource("store.list_expired", "failed to list expired recordings", err)
	}
	return recs, nil
}

func (s *gormStore) ListOldestContinuousRecordings(ctx context.Context, limit int) ([]Recording, error) {
	var recs []Recording
	err := s.ctxDB(ctx).
		Where("segment_type = ? AND is_archived = ?", SegmentContinuous, false).
		Order("start_time asc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errs.Resource("store.list_oldest", "failed to list oldest recordings", err)
	}
	return recs, nil
}

func (s *gormStore) ListArchiveCandidates(ctx context.Context, olderThan time.Time, limit int) ([]Recording, error) {
	var recs []Recording
	err := s.ctxDB(ctx).
		Where("segment_type = ? AND is_archived = ? AND start_time <= ?", SegmentContinuous, false, olderThan).
		Order("start_time asc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errs.Resource("store.list_archive_candidates", "failed to list archive candidates", err)
	}
	return recs, nil
}

func (s *gormStore) ListRecordingsInRange(ctx context.Context, streamID uint, start, end time.Time) ([]Recording, error) {
	var recs []Recording
	q := s.ctxDB(ctx).Where("stream_id = ?", streamID)
	if !start.IsZero() {
		q = q.Where("start_time >= ?", start)
	}
	if !end.IsZero() {
		q = q.Where("start_time <= ?", end)
	}
	if err := q.Order("start_time desc").Find(&recs).Error; err != nil {
		return nil, errs.Resource("store.list_recordings_in_range", "failed to search recordings", err)
	}
	return recs, nil
}

func (s *gormStore) DeleteRecording(ctx context.Context, id uint) error {
	if err := s.ctxDB(ctx).Delete(&Recording{}, id).Error; err != nil {
		return errs.Resource("store.delete_recording", "failed to delete recording row", err)
	}
	return nil
}

func (s *gormStore) MarkArchived(ctx context.Context, id uint, archivePath string) error {
	err := s.ctxDB(ctx).Model(&Recording{}).Where("id = ?", id).
		Updates(map[string]interface{}{"is_archived": true, "archive_path": archivePath}).Error
	if err != nil {
		return errs.Resource("store.mark_archived", "failed to mark recording archived", err)
	}
	return nil
}

func (s *gormStore) UpdateRecordingSizeAndStart(ctx context.Context, id uint, size int64, start time.Time) error {
	err := s.ctxDB(ctx).Model(&Recording{}).Where("id = ?", id).
		Updates(map[string]interface{}{"file_size": size, "start_time": start}).Error
	if err != nil {
		return errs.Resource("store.rescan_recording", "failed to refresh recording", err)
	}
	return nil
}

func (s *gormStore) CreateSnapshot(ctx context.Context, snap *ConfigSnapshot) error {
	if err := s.ctxDB(ctx).Create(snap).Error; err != nil {
		return errs.Resource("store.create_snapshot", "failed to persist config snapshot", err)
	}
	return nil
}

func (s *gormStore) GetSnapshot(ctx context.Context, id uint) (*ConfigSnapshot, error) {
	var snap ConfigSnapshot
	if err := s.ctxDB(ctx).First(&snap, id).Error; err != nil {
		return nil, errs.State("store.get_snapshot", fmt.Sprintf("snapshot %d not found", id))
	}
	return &snap, nil
}

func (s *gormStore) GetLatestAppliedSnapshot(ctx context.Context, nodeID uint) (*ConfigSnapshot, error) {
	var snap ConfigSnapshot
	err := s.ctxDB(ctx).
		Where("node_id = ? AND applied = ?", nodeID, true).
		Order("id desc").
		First(&snap).Error
	if err != nil {
		return nil, nil
	}
	return &snap, nil
}

func (s *gormStore) TagSnapshotRollback(ctx context.Context, snapshotID, rollbackOf uint) error {
	err := s.ctxDB(ctx).Model(&ConfigSnapshot{}).Where("id = ?", snapshotID).
		Update("rollback_of", rollbackOf).Error
	if err != nil {
		return errs.Resource("store.tag_rollback", "failed to tag rollback snapshot", err)
	}
	return nil
}

func (s *gormStore) CreateBlock(ctx context.Context, b *IPBlockEntry) error {
	if err := s.ctxDB(ctx).Create(b).Error; err != nil {
		return errs.Resource("store.create_block", "failed to create block entry", err)
	}
	return nil
}

func (s *gormStore) ListActiveBlocks(ctx context.Context) ([]IPBlockEntry, error) {
	var blocks []IPBlockEntry
	if err := s.ctxDB(ctx).Where("is_active = ?", true).Find(&blocks).Error; err != nil {
		return nil, errs.Resource("store.list_blocks", "failed to list active blocks", err)
	}
	return blocks, nil
}

func (s *gormStore) DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	res := s.ctxDB(ctx).Model(&IPBlockEntry{}).
		Where("is_active = ? AND is_permanent = ? AND expires_at <= ?", true, false, now).
		Update("is_active", false)
	if res.Error != nil {
		return 0, errs.Resource("store.sweep_blocks", "failed to deactivate expired blocks", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) Deactivate(ctx context.Context, id uint) error {
	err := s.ctxDB(ctx).Model(&IPBlockEntry{}).Where("id = ?", id).Update("is_active", false).Error
	if err != nil {
		return errs.Resource("store.deactivate_block", "failed to deactivate block", err)
	}
	return nil
}

func (s *gormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
