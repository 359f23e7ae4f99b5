package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/relayfleet/controlplane/internal/blocklist"
	"github.com/relayfleet/controlplane/internal/config"
	"github.com/relayfleet/controlplane/internal/fleet"
	"github.com/relayfleet/controlplane/internal/health"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/remediation"
	"github.com/relayfleet/controlplane/internal/retention"
	"github.com/relayfleet/controlplane/internal/store"
)

// archiveSweepBatch bounds how many recordings one daily sweep archives.
const archiveSweepBatch = 200

// Components bundles the engines the standard job set drives.
type Components struct {
	Store       store.Store
	Classifier  *health.Classifier
	Fleet       *fleet.Synchronizer
	Retention   *retention.Engine
	Remediation *remediation.Engine
	Blocklist   *blocklist.Manager
	Logger      *logging.Logger
}

// BuildJobs assembles the fixed cadence table: fast health per node, sampled
// deep health, fleet sync per node, hourly retention cleanup plus blocklist
// sweep, and the daily archive sweep.
func BuildJobs(c Components, cfg config.SchedulerConfig, healthCfg config.HealthConfig) []Job {
	probeTimeout := time.Duration(healthCfg.ProbeTimeoutSec * float64(time.Second))
	if probeTimeout <= 0 {
		probeTimeout = 60 * time.Second
	}

	return []Job{
		{
			Name:     "fast_health",
			Interval: time.Duration(cfg.FastHealthIntervalSec) * time.Second,
			Timeout:  time.Duration(cfg.JobTimeoutSec) * time.Second,
			Run: func(ctx context.Context) error {
				return forEachActiveNode(ctx, c, cfg.MaxWorkers, func(ctx context.Context, node *store.Node) error {
					_, err := c.Classifier.FastCheck(ctx, node)
					return err
				})
			},
			RunOnStart: true,
		},
		{
			Name:     "deep_health",
			Interval: time.Duration(cfg.DeepHealthIntervalSec) * time.Second,
			Timeout:  time.Duration(cfg.DeepHealthIntervalSec) * time.Second,
			Run: func(ctx context.Context) error {
				return runDeepHealth(ctx, c, healthCfg.MaxDeepChecksPerScan, cfg.MaxWorkers, probeTimeout)
			},
		},
		{
			Name:     "fleet_sync",
			Interval: time.Duration(cfg.FleetSyncIntervalSec) * time.Second,
			Timeout:  time.Duration(cfg.JobTimeoutSec) * time.Second,
			Run: func(ctx context.Context) error {
				return forEachActiveNode(ctx, c, cfg.MaxWorkers, func(ctx context.Context, node *store.Node) error {
					_, err := c.Fleet.SyncNode(ctx, node)
					return err
				})
			},
			RunOnStart: true,
		},
		{
			Name:     "retention_cleanup",
			Interval: time.Duration(cfg.RetentionIntervalSec) * time.Second,
			Timeout:  10 * time.Minute,
			Run: func(ctx context.Context) error {
				if _, err := c.Retention.Scan(ctx, false); err != nil {
					c.Logger.WithError(err).Warn("recording scan failed")
				}
				if _, err := c.Blocklist.Sweep(ctx); err != nil {
					c.Logger.WithError(err).Warn("blocklist sweep failed")
				}
				_, err := c.Retention.Cleanup(ctx, false)
				return err
			},
		},
		{
			Name:     "archive_sweep",
			Interval: time.Duration(cfg.ArchiveIntervalSec) * time.Second,
			Timeout:  30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, _, err := c.Retention.ArchiveSweep(ctx, archiveSweepBatch)
				return err
			},
		},
	}
}

func forEachActiveNode(ctx context.Context, c Components, limit int, fn func(ctx context.Context, node *store.Node) error) error {
	nodes, err := c.Store.ListActiveNodes(ctx)
	if err != nil {
		return err
	}
	tasks := make([]func(ctx context.Context) error, 0, len(nodes))
	for i := range nodes {
		node := nodes[i]
		tasks = append(tasks, func(ctx context.Context) error {
			return fn(ctx, &node)
		})
	}
	for _, err := range FanOut(ctx, limit, 0, tasks) {
		if err != nil {
			c.Logger.WithError(err).Warn("per-node task failed")
		}
	}
	return nil
}

// runDeepHealth probes the sampled stream set and hands unhealthy streams to
// the Remediation Engine when the entry policy allows.
func runDeepHealth(ctx context.Context, c Components, sampleCap, limit int, probeTimeout time.Duration) error {
	if sampleCap <= 0 {
		sampleCap = 50
	}
	streams, err := c.Store.SampleStreamsForDeepHealth(ctx, sampleCap)
	if err != nil {
		return err
	}

	tasks := make([]func(ctx context.Context) error, 0, len(streams))
	for i := range streams {
		stream := streams[i]
		tasks = append(tasks, func(ctx context.Context) error {
			node, err := c.Store.GetNode(ctx, stream.NodeID)
			if err != nil {
				return err
			}
			mediaURL := resolveMediaURL(&stream, node)
			if mediaURL == "" {
				return nil
			}
			result, err := c.Classifier.DeepCheck(ctx, &stream, node.Name, mediaURL, stream.Protocol)
			if err != nil {
				return err
			}
			if result.Status != store.StatusUnhealthy {
				return nil
			}
			fresh, err := c.Store.GetStreamByID(ctx, stream.ID)
			if err != nil {
				return err
			}
			ok, err := c.Remediation.ShouldAutoRemediate(ctx, fresh)
			if err != nil || !ok {
				return err
			}
			_, err = c.Remediation.Run(ctx, node, fresh, false)
			return err
		})
	}
	for _, err := range FanOut(ctx, limit, probeTimeout, tasks) {
		if err != nil {
			c.Logger.WithError(err).Warn("deep health task failed")
		}
	}
	return nil
}

// resolveMediaURL picks the probe target: the stream's own source URL when
// known, otherwise the node's media base plus the path.
func resolveMediaURL(s *store.Stream, node *store.Node) string {
	if s.SourceURL != "" {
		return s.SourceURL
	}
	if node.MediaBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(node.MediaBaseURL, "/") + "/" + strings.TrimPrefix(s.Path, "/")
}
