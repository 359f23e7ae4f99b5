// Package health implements the Health Classifier (C4): a fast API-poll
// path and a deep media-probe path, each mapping observations to
// {healthy, degraded, unhealthy, unknown} and emitting StreamEvent
// transitions. Grounded in health_checker.py's quick_check_node and
// _analyze_probe_result, and in the teacher's health_monitor.go for the
// per-resource serialization idiom.
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/relayfleet/controlplane/internal/errs"
	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/prober"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// Thresholds from spec.md §4.3.
const (
	MinFPS         = 10.0
	MaxLatencyMs   = 5000
	FreezeDuration = 5 // seconds
)

// Clock abstracts wall-clock access so tests can control it.
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Classifier runs the fast and deep health paths.
type Classifier struct {
	store       store.Store
	relayClient func(*store.Node) relay.Client
	prober      prober.Prober
	streamLocks *lock.StreamLocks
	logger      *logging.Logger
	clock       Clock
}

// New builds a Classifier.
func New(st store.Store, relayClient func(*store.Node) relay.Client, prb prober.Prober, streamLocks *lock.StreamLocks, logger *logging.Logger) *Classifier {
	return &Classifier{store: st, relayClient: relayClient, prober: prb, streamLocks: streamLocks, logger: logger, clock: systemClock{}}
}

// FastCheckResult summarizes one node's fast-path run.
type FastCheckResult struct {
	NodeID    uint
	Checked   int
	Healthy   int
	Degraded  int
	Unhealthy int
}

// FastCheck polls a node's control API once and updates every local Stream
// on that node. Fast-path and deep-path updates for the same stream are
// mutually exclusive (serialized on the stream's lock token).
func (c *Classifier) FastCheck(ctx context.Context, node *store.Node) (*FastCheckResult, error) {
	client := c.relayClient(node)
	paths, err := client.ListPaths(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]relay.PathInfo, len(paths))
	for _, p := range paths {
		byName[p.Name] = p
	}

	streams, err := c.store.ListStreamsByNode(ctx, node.ID)
	if err != nil {
		return nil, err
	}

	result := &FastCheckResult{NodeID: node.ID}
	for i := range streams {
		st := streams[i]
		key := lock.StreamKey(node.Name, st.Path)
		c.streamLocks.WithLock(key, func() {
			newStatus := classifyFast(byName[st.Path])
			result.Checked++
			switch newStatus {
			case store.StatusHealthy:
				result.Healthy++
			case store.StatusDegraded:
				result.Degraded++
			default:
				result.Unhealthy++
			}
			if newStatus == st.Status {
				_ = c.store.UpdateStreamStatus(ctx, st.ID, newStatus)
				return
			}
			_ = c.store.UpdateStreamStatus(ctx, st.ID, newStatus)
			c.emitTransition(ctx, st.ID, st.Status, newStatus, nil)
		})
	}

	if err := c.store.TouchNodeLastSeen(ctx, node.ID, c.clock.Now()); err != nil {
		c.logger.WithError(err).Warn("failed to update node last_seen")
	}

	return result, nil
}

// classifyFast applies the branching rule from spec.md §4.3. A path absent
// from the node's reply falls through to "other" (unhealthy).
func classifyFast(p relay.PathInfo) store.StreamStatus {
	switch {
	case p.Name == "":
		return store.StatusUnhealthy
	case p.Ready:
		return store.StatusHealthy
	case p.Source != nil:
		return store.StatusDegraded
	case p.Source == nil && p.ConfName != "":
		return store.StatusDegraded
	default:
		return store.StatusUnhealthy
	}
}

// DeepCheckResult summarizes one stream's deep-path run.
type DeepCheckResult struct {
	StreamID  uint
	Status    store.StreamStatus
	FPS       float64
	Issues    []string
}

// DeepCheck probes a single stream's media URL and maps the result to a
// status, per spec.md §4.3. mediaURL is the caller-resolved URL (either
// stream.SourceURL or node.MediaBaseURL + "/" + path).
func (c *Classifier) DeepCheck(ctx context.Context, s *store.Stream, nodeName, mediaURL, protocol string) (*DeepCheckResult, error) {
	result := &DeepCheckResult{StreamID: s.ID}

	key := lock.StreamKey(nodeName, s.Path)
	var probeErr error
	c.streamLocks.WithLock(key, func() {
		pr, err := c.prober.Probe(ctx, mediaURL, protocol)
		if err != nil {
			probeErr = err
			return
		}

		var video, audio *prober.ProbedStream
		for i := range pr.Streams {
			switch pr.Streams[i].Kind {
			case prober.KindVideo:
				if video == nil {
					video = &pr.Streams[i]
				}
			case prober.KindAudio:
				if audio == nil {
					audio = &pr.Streams[i]
				}
			}
		}

		newStatus := store.StatusHealthy
		var kind store.EventKind
		switch {
		case video == nil && audio == nil:
			newStatus = store.StatusUnhealthy
			kind = store.EventDisconnected
			result.Issues = append(result.Issues, "no_streams")
		case video == nil:
			newStatus = store.StatusUnhealthy
			kind = store.EventDisconnected
			result.Issues = append(result.Issues, "no video stream")
		case video.FrameRate > 0 && video.FrameRate < MinFPS:
			newStatus = store.StatusDegraded
			kind = store.EventFPSDrop
			result.Issues = append(result.Issues, fmt.Sprintf("fps_drop: %.1f", video.FrameRate))
		case video.AvgFrameRate > 0 && video.FrameRate > 0 &&
			math.Abs(video.FrameRate-video.AvgFrameRate) > 0.3*video.FrameRate:
			newStatus = store.StatusDegraded
			kind = store.EventKeyframeIssue
			result.Issues = append(result.Issues, "keyframe_issue")
		}
		if audio == nil && newStatus == store.StatusHealthy {
			result.Issues = append(result.Issues, "no audio stream (warning only)")
		}

		result.Status = newStatus
		if video != nil {
			result.FPS = video.FrameRate
			var bitrate float64
			if video.Bitrate != nil {
				bitrate = *video.Bitrate
			}
			_ = c.store.UpdateStreamMetrics(ctx, s.ID, video.FrameRate, bitrate, 0, 0)
		}

		_ = c.store.UpdateStreamStatus(ctx, s.ID, newStatus)
		if newStatus != s.Status {
			var specific *store.EventKind
			if kind != "" {
				specific = &kind
			}
			c.emitTransition(ctx, s.ID, s.Status, newStatus, specific)
		}
	})

	if probeErr != nil {
		if errs.Is(probeErr, errs.CategoryCancelled) {
			return nil, probeErr
		}
		result.Status = store.StatusUnhealthy
		_ = c.store.UpdateStreamStatus(ctx, s.ID, store.StatusUnhealthy)
		if s.Status != store.StatusUnhealthy {
			c.emitTransition(ctx, s.ID, s.Status, store.StatusUnhealthy, nil)
		}
		return result, nil
	}
	return result, nil
}

// emitTransition records a StreamEvent for a status change, mapping the new
// status to disconnected/reconnected per spec.md §4.3, unless a more
// specific kind was already determined by the deep path.
func (c *Classifier) emitTransition(ctx context.Context, streamID uint, old, new store.StreamStatus, kind *store.EventKind) {
	k := store.EventReconnected
	severity := store.SeverityInfo
	if new == store.StatusUnhealthy {
		k = store.EventDisconnected
		severity = store.SeverityCritical
	} else if new == store.StatusDegraded {
		severity = store.SeverityWarning
	}
	if kind != nil {
		k = *kind
	}
	ev := &store.StreamEvent{
		StreamID: streamID,
		Kind:     k,
		Severity: severity,
		Detail:   fmt.Sprintf("%s -> %s", old, new),
	}
	if err := c.store.CreateEvent(ctx, ev); err != nil {
		c.logger.WithError(err).Warn("failed to record status transition event")
	}
}
