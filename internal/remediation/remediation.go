// Package remediation implements the Remediation Engine (C5): a tiered
// recovery state machine driven by event history in the store and executed
// against a node through the relay client. Tier semantics and the backoff
// formula are grounded in auto_remediation.py's remediate_stream,
// calculate_backoff and _determine_start_level; the breaker/cooldown
// bookkeeping follows the teacher's circuit_breaker.go Call idiom,
// generalized from one process-wide breaker to one evaluated per stream
// from stored event history rather than an in-memory counter, so it
// survives a process restart.
package remediation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/relayfleet/controlplane/internal/errs"
	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/platform"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// Tier is one of the four escalating recovery actions.
type Tier int

const (
	TierReconnect Tier = iota + 1
	TierRestartSidecar
	TierRestartPath
	TierRestartRelay
)

func (t Tier) String() string {
	switch t {
	case TierReconnect:
		return "reconnect"
	case TierRestartSidecar:
		return "restart_sidecar"
	case TierRestartPath:
		return "restart_path"
	case TierRestartRelay:
		return "restart_relay"
	default:
		return "unknown"
	}
}

// Policy holds the tunables from spec.md §4.4; defaults match the spec.
type Policy struct {
	Cooldown          time.Duration
	BreakerThreshold   int64
	BreakerWindow      time.Duration
	MaxAttemptsPerTier int
	BaseDelay          time.Duration
	Jitter             float64
	MaxDelay           time.Duration
}

// DefaultPolicy returns the spec's documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown:           5 * time.Minute,
		BreakerThreshold:   10,
		BreakerWindow:      time.Hour,
		MaxAttemptsPerTier: 5,
		BaseDelay:          time.Second,
		Jitter:             0.3,
		MaxDelay:           60 * time.Second,
	}
}

// Attempt is one recorded try within a run.
type Attempt struct {
	Tier    Tier
	Index   int
	Success bool
	Detail  string
}

// Result is the outcome of one remediation run.
type Result struct {
	StreamID uint
	Success  bool
	Attempts []Attempt
}

// RestartRelay restarts the relay process on a node; this side effect lives
// outside the relay control API (spec.md §4.4 tier 4: "operator-managed
// mechanism") so it is supplied by the caller rather than by relay.Client.
type RestartRelay func(ctx context.Context, node *store.Node) error

// Engine runs remediation for a stream.
type Engine struct {
	store        store.Store
	relayClient  func(*store.Node) relay.Client
	restartRelay RestartRelay
	streamLocks  *lock.StreamLocks
	clock        platform.Clock
	logger       *logging.Logger
	policy       Policy
}

// New builds an Engine.
func New(st store.Store, relayClient func(*store.Node) relay.Client, restartRelay RestartRelay, streamLocks *lock.StreamLocks, clock platform.Clock, logger *logging.Logger, policy Policy) *Engine {
	return &Engine{
		store:        st,
		relayClient:  relayClient,
		restartRelay: restartRelay,
		streamLocks:  streamLocks,
		clock:        clock,
		logger:       logger,
		policy:       policy,
	}
}

// backoff implements spec.md §4.4: base * 2^i * (1 + U[0, jitter]), capped
// at max_delay. i is 0-based attempt index within a tier.
func backoff(p Policy, i int) time.Duration {
	raw := float64(p.BaseDelay) * float64(int64(1)<<uint(i)) * (1 + rand.Float64()*p.Jitter)
	d := time.Duration(raw)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	if d < p.BaseDelay {
		return p.BaseDelay
	}
	return d
}

// ShouldAutoRemediate applies the entry policy from spec.md §4.4: the
// stream must opt in, be past cooldown, and be under the failure breaker.
// Operator-forced runs bypass this check entirely (call Run directly).
func (e *Engine) ShouldAutoRemediate(ctx context.Context, s *store.Stream) (bool, error) {
	if !s.AutoRemediate {
		return false, nil
	}
	if s.LastRemediation != nil && e.clock.Now().Sub(*s.LastRemediation) < e.policy.Cooldown {
		return false, nil
	}
	since := e.clock.Now().Add(-e.policy.BreakerWindow)
	failures, err := e.store.CountEventsSince(ctx, s.ID, store.EventRemediationFailed, since)
	if err != nil {
		return false, err
	}
	if failures >= e.policy.BreakerThreshold {
		return false, nil
	}
	return true, nil
}

// startTier implements spec.md §4.4's escalation-by-history rule.
func (e *Engine) startTier(ctx context.Context, s *store.Stream) (Tier, error) {
	since := e.clock.Now().Add(-e.policy.BreakerWindow)
	started, err := e.store.CountEventsSince(ctx, s.ID, store.EventRemediationStarted, since)
	if err != nil {
		return TierReconnect, err
	}
	switch {
	case started >= 5:
		return TierRestartPath, nil
	case started >= 2:
		return TierRestartSidecar, nil
	default:
		return TierReconnect, nil
	}
}

// Run executes one remediation run for stream s on node, honoring the entry
// policy unless forced. It is serialized against fast/deep health updates
// on the same stream via the shared stream lock.
func (e *Engine) Run(ctx context.Context, node *store.Node, s *store.Stream, forced bool) (*Result, error) {
	if !forced {
		ok, err := e.ShouldAutoRemediate(ctx, s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.State("remediation.run", "entry policy denied the run (cooldown, disabled, or breaker open)")
		}
	}

	startTier := TierReconnect
	if !forced {
		t, err := e.startTier(ctx, s)
		if err != nil {
			return nil, err
		}
		startTier = t
	}

	key := lock.StreamKey(node.Name, s.Path)
	var result *Result
	var runErr error
	e.streamLocks.WithLock(key, func() {
		result, runErr = e.runLocked(ctx, node, s, startTier)
	})
	return result, runErr
}

func (e *Engine) runLocked(ctx context.Context, node *store.Node, s *store.Stream, startTier Tier) (*Result, error) {
	startEvent := &store.StreamEvent{StreamID: s.ID, Kind: store.EventRemediationStarted, Severity: store.SeverityWarning, Detail: "tier " + startTier.String()}
	if err := e.store.CreateEvent(ctx, startEvent); err != nil {
		e.logger.WithError(err).Warn("failed to record remediation_started event")
	}

	result := &Result{StreamID: s.ID}
	client := e.relayClient(node)

	for tier := startTier; tier <= TierRestartRelay; tier++ {
		for i := 0; i < e.policy.MaxAttemptsPerTier; i++ {
			if err := ctx.Err(); err != nil {
				return e.finish(ctx, s, result, false)
			}

			ok, unavailable, detail, err := e.runTier(ctx, client, node, s, tier)
			attempt := Attempt{Tier: tier, Index: i, Success: ok, Detail: detail}
			if err != nil {
				attempt.Detail = err.Error()
			}
			result.Attempts = append(result.Attempts, attempt)

			if ok {
				return e.finish(ctx, s, result, true)
			}
			if unavailable {
				break
			}
			if i < e.policy.MaxAttemptsPerTier-1 {
				e.clock.Sleep(backoff(e.policy, i))
			}
		}
	}
	return e.finish(ctx, s, result, false)
}

func (e *Engine) finish(ctx context.Context, s *store.Stream, result *Result, success bool) (*Result, error) {
	result.Success = success
	kind := store.EventRemediationFailed
	severity := store.SeverityError
	if success {
		kind = store.EventRemediationSuccess
		severity = store.SeverityInfo
	}
	ev := &store.StreamEvent{StreamID: s.ID, Kind: kind, Severity: severity, Detail: summarizeAttempts(result.Attempts)}
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		e.logger.WithError(err).Warn("failed to record remediation outcome event")
	}
	now := e.clock.Now()
	if err := e.store.RecordRemediationRun(ctx, s.ID, now); err != nil {
		e.logger.WithError(err).Warn("failed to record remediation run bookkeeping")
	}
	return result, nil
}

func summarizeAttempts(attempts []Attempt) string {
	detail := ""
	for _, a := range attempts {
		if detail != "" {
			detail += "; "
		}
		detail += a.Tier.String()
	}
	return detail
}

// runTier executes one attempt of the given tier. Tier 3 is unavailable
// when the stream has no source_url, per spec.md §4.4.
func (e *Engine) runTier(ctx context.Context, client relay.Client, node *store.Node, s *store.Stream, tier Tier) (ok, unavailable bool, detail string, err error) {
	switch tier {
	case TierReconnect:
		return e.tryReconnect(ctx, client, s)
	case TierRestartSidecar:
		return e.tryRestartSidecar(ctx, client, s)
	case TierRestartPath:
		return e.tryRestartPath(ctx, client, s)
	case TierRestartRelay:
		return e.tryRestartRelay(ctx, node)
	default:
		return false, true, "unknown tier", nil
	}
}

// tryReconnect enumerates the RTSP and RTSPS sessions bound to the path and
// kicks each with its own protocol. Success means at least one kick landed.
func (e *Engine) tryReconnect(ctx context.Context, client relay.Client, s *store.Stream) (bool, bool, string, error) {
	kicked := 0
	for _, proto := range []relay.Protocol{relay.ProtocolRTSP, relay.ProtocolRTSPS} {
		sessions, err := client.ListSessions(ctx, proto)
		if err != nil {
			return false, false, "", err
		}
		for _, sess := range sessions {
			if sess.Path != s.Path {
				continue
			}
			if err := client.KickSession(ctx, proto, sess.ID); err == nil {
				kicked++
			}
		}
	}
	return kicked > 0, false, fmt.Sprintf("kicked %d session(s)", kicked), nil
}

func (e *Engine) tryRestartSidecar(ctx context.Context, client relay.Client, s *store.Stream) (bool, bool, string, error) {
	body, err := client.GetPathConfig(ctx, s.Path)
	if err != nil {
		return false, false, "", err
	}
	if err := client.DeletePath(ctx, s.Path); err != nil {
		return false, false, "", err
	}
	e.clock.Sleep(time.Second)
	if err := client.AddPath(ctx, s.Path, []byte(body)); err != nil {
		return false, false, "", err
	}
	return true, false, "restarted sidecar", nil
}

func (e *Engine) tryRestartPath(ctx context.Context, client relay.Client, s *store.Stream) (bool, bool, string, error) {
	if s.SourceURL == "" {
		return false, true, "tier unavailable: no source_url", nil
	}
	if err := client.DeletePath(ctx, s.Path); err != nil {
		return false, false, "", err
	}
	e.clock.Sleep(time.Second)
	body := []byte(`{"source":"` + s.SourceURL + `"}`)
	if err := client.AddPath(ctx, s.Path, body); err != nil {
		return false, false, "", err
	}
	return true, false, "recreated path", nil
}

func (e *Engine) tryRestartRelay(ctx context.Context, node *store.Node) (bool, bool, string, error) {
	if e.restartRelay == nil {
		return false, true, "no relay restart mechanism configured", nil
	}
	if err := e.restartRelay(ctx, node); err != nil {
		return false, false, "", err
	}
	return true, false, "restarted relay", nil
}
