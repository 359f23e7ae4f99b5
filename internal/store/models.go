// Package store is the metadata store (C1): durable records for nodes,
// streams, events, recordings, config snapshots, and the IP blocklist. It is
// the single source of truth the rest of the reliability core reads and
// writes through transactional GORM operations.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Node is one managed media relay instance with a control API.
type Node struct {
	ID            uint   `gorm:"primarykey"`
	Name          string `gorm:"uniqueIndex;not null"`
	ControlAPIURL string `gorm:"not null"`
	MediaBaseURL  string
	Environment   string `gorm:"index"`
	IsActive      bool   `gorm:"not null;default:true"`
	LastSeen      *time.Time
	Metadata      string // opaque, caller-defined JSON blob
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Streams []Stream `gorm:"constraint:OnDelete:CASCADE"`
}

// StreamStatus is the Health Classifier's output for a Stream.
type StreamStatus string

const (
	StatusHealthy   StreamStatus = "healthy"
	StatusDegraded  StreamStatus = "degraded"
	StatusUnhealthy StreamStatus = "unhealthy"
	StatusUnknown   StreamStatus = "unknown"
)

// Stream is the core's record of one relay Path, with status and metrics.
type Stream struct {
	ID               uint   `gorm:"primarykey"`
	NodeID           uint   `gorm:"not null;uniqueIndex:idx_node_path"`
	Path             string `gorm:"not null;uniqueIndex:idx_node_path"`
	SourceURL        string
	Protocol         string
	Status           StreamStatus `gorm:"not null;default:unknown"`
	FPS              float64
	Bitrate          float64
	LatencyMs        float64
	KeyframeInterval float64
	AutoRemediate    bool `gorm:"not null;default:true"`
	RemediationCount int
	LastRemediation  *time.Time
	LastCheck        *time.Time
	RecordingEnabled bool `gorm:"not null;default:false"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Node       Node
	Events     []StreamEvent `gorm:"constraint:OnDelete:CASCADE"`
	Recordings []Recording   `gorm:"constraint:OnDelete:CASCADE"`
}

// EventKind enumerates the StreamEvent kinds the core emits.
type EventKind string

const (
	EventDisconnected       EventKind = "disconnected"
	EventReconnected        EventKind = "reconnected"
	EventBlackScreen        EventKind = "black_screen"
	EventFrozen             EventKind = "frozen"
	EventAudioSilent        EventKind = "audio_silent"
	EventFPSDrop            EventKind = "fps_drop"
	EventKeyframeIssue      EventKind = "keyframe_issue"
	EventHighLatency        EventKind = "high_latency"
	EventRemediationStarted EventKind = "remediation_started"
	EventRemediationSuccess EventKind = "remediation_success"
	EventRemediationFailed  EventKind = "remediation_failed"
)

// EventSeverity ranks a StreamEvent for display/alerting.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// StreamEvent is an append-only record of something observed or acted on for a Stream.
type StreamEvent struct {
	ID       uint      `gorm:"primarykey"`
	StreamID uint      `gorm:"not null;index"`
	Kind     EventKind `gorm:"not null;index"`
	Severity EventSeverity
	Detail   string // opaque structured detail, caller-defined JSON
	Resolved bool   `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"index"`
}

// SegmentType classifies why a Recording exists.
type SegmentType string

const (
	SegmentContinuous SegmentType = "continuous"
	SegmentEvent      SegmentType = "event"
	SegmentManual     SegmentType = "manual"
)

// Recording is one segment file under a Stream's recording tree.
type Recording struct {
	ID                  uint   `gorm:"primarykey"`
	StreamID            uint   `gorm:"not null;index"`
	FilePath            string `gorm:"not null"`
	FileSize            int64
	DurationSec         float64
	StartTime           time.Time `gorm:"index"`
	EndTime             *time.Time
	SegmentType         SegmentType `gorm:"not null;index"`
	TriggeringEventID   *uint
	RetentionDays       int
	ExpiresAt           time.Time `gorm:"index"`
	IsArchived          bool      `gorm:"not null;default:false;index"`
	ArchivePath         string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ConfigSnapshot is an immutable, content-addressed copy of a node's config.
type ConfigSnapshot struct {
	ID          uint   `gorm:"primarykey"`
	NodeID      *uint  `gorm:"index"`
	Hash        string `gorm:"not null;index"`
	YAMLText    string `gorm:"not null"`
	Environment string
	Applied     bool `gorm:"not null;default:false"`
	AppliedAt   *time.Time
	AppliedBy   string
	RollbackOf  *uint
	Notes       string
	CreatedAt   time.Time
}

// IPBlockEntry is a blocklist row enforced by an external collaborator at the
// request surface; the core only maintains the record.
type IPBlockEntry struct {
	ID          uint   `gorm:"primarykey"`
	Address     string `gorm:"not null;index"`
	PathPattern string
	NodeID      *uint
	IsPermanent bool `gorm:"not null;default:false"`
	ExpiresAt   *time.Time
	IsActive    bool `gorm:"not null;default:true;index"`
	CreatedAt   time.Time
}

// AllModels lists every type AutoMigrate must register.
func AllModels() []interface{} {
	return []interface{}{
		&Node{}, &Stream{}, &StreamEvent{}, &Recording{}, &ConfigSnapshot{}, &IPBlockEntry{},
	}
}

// Migrate runs AutoMigrate for every model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
