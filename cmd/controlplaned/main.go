// controlplaned is the reliability control plane daemon: it opens the
// metadata store, wires the reliability core, and runs the scheduler until
// the process is told to stop. The HTTP/JSON request surface lives outside
// this binary; everything here is the supervision loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relayfleet/controlplane/internal/blocklist"
	"github.com/relayfleet/controlplane/internal/common"
	"github.com/relayfleet/controlplane/internal/config"
	"github.com/relayfleet/controlplane/internal/fleet"
	"github.com/relayfleet/controlplane/internal/health"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/platform"
	"github.com/relayfleet/controlplane/internal/prober"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/remediation"
	"github.com/relayfleet/controlplane/internal/retention"
	"github.com/relayfleet/controlplane/internal/scheduler"
	"github.com/relayfleet/controlplane/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "/etc/relayctl/controlplane.yaml", "path to the control plane configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cm := config.CreateConfigManager()
	if err := cm.LoadConfig(configPath); err != nil {
		return err
	}
	cfg := cm.GetConfig()

	logging.ConfigureFactory(&logging.LoggingConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FileEnabled:    cfg.Logging.FileEnabled,
		FilePath:       cfg.Logging.FilePath,
		MaxFileSize:    cfg.Logging.MaxFileSize,
		BackupCount:    cfg.Logging.BackupCount,
		ConsoleEnabled: cfg.Logging.ConsoleEnabled,
	})
	logger := logging.GetLogger("controlplaned")

	st, err := store.Open(cfg.Database.Path, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return err
	}
	defer st.Close()

	requestTimeout := time.Duration(cfg.Relay.RequestTimeoutSec * float64(time.Second))
	relayFactory := func(node *store.Node) relay.Client {
		return relay.NewHTTPClient(node.ControlAPIURL, requestTimeout, logging.GetLogger("relay"))
	}
	prb := prober.New("", "")

	deps := platform.New(st, relayFactory, prb, cfg, logger)

	classifier := health.New(st, relayFactory, prb, deps.StreamLocks, logging.GetLogger("health"))
	synchronizer := fleet.New(st, relayFactory, deps.NodeLocks, deps.Clock, logging.GetLogger("fleet"))
	retentionEngine := retention.New(st, cfg.Retention, deps.Clock, logging.GetLogger("retention"))
	blocklistMgr := blocklist.New(st, deps.Clock, logging.GetLogger("blocklist"))
	remediationEngine := remediation.New(st, relayFactory, nil, deps.StreamLocks, deps.Clock,
		logging.GetLogger("remediation"), remediationPolicy(cfg.Remediation))

	sched := scheduler.New(int64(cfg.Scheduler.MaxWorkers), logging.GetLogger("scheduler"))
	jobs := scheduler.BuildJobs(scheduler.Components{
		Store:       st,
		Classifier:  classifier,
		Fleet:       synchronizer,
		Retention:   retentionEngine,
		Remediation: remediationEngine,
		Blocklist:   blocklistMgr,
		Logger:      logger,
	}, cfg.Scheduler, cfg.Health)
	for _, job := range jobs {
		sched.Add(job)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithField("config", configPath).Info("control plane starting")
	sched.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining jobs")

	if err := common.StopWithTimeout(sched, shutdownTimeout); err != nil {
		logger.WithError(err).Warn("scheduler did not drain before the shutdown deadline")
	}
	if err := cm.Stop(context.Background()); err != nil {
		logger.WithError(err).Warn("config manager shutdown reported an error")
	}
	logger.Info("control plane stopped")
	return nil
}

func remediationPolicy(cfg config.RemediationConfig) remediation.Policy {
	p := remediation.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttemptsPerTier = cfg.MaxAttempts
	}
	if cfg.BaseDelaySec > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelaySec * float64(time.Second))
	}
	if cfg.JitterRange > 0 {
		p.Jitter = cfg.JitterRange
	}
	if cfg.MaxDelaySec > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelaySec * float64(time.Second))
	}
	if cfg.CooldownSec > 0 {
		p.Cooldown = time.Duration(cfg.CooldownSec * float64(time.Second))
	}
	if cfg.CircuitBreakerThreshold > 0 {
		p.BreakerThreshold = int64(cfg.CircuitBreakerThreshold)
	}
	if cfg.CircuitBreakerWindowSec > 0 {
		p.BreakerWindow = time.Duration(cfg.CircuitBreakerWindowSec * float64(time.Second))
	}
	return p
}
