// Package platform wires the explicit dependency-injection seam the design
// notes call for: main assembles a Deps bundle once, and components receive
// their dependencies as explicit constructor arguments instead of reaching
// into framework-global state for configuration or database access.
package platform

import (
	"time"

	"github.com/relayfleet/controlplane/internal/config"
	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/prober"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// Clock abstracts time so backoff sleeps, cooldown windows, and expiry
// comparisons are deterministic under test.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the production Clock backed by the runtime wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// RelayClientFactory builds a relay client bound to one node's control API.
type RelayClientFactory func(node *store.Node) relay.Client

// Deps is the shared dependency bundle main assembles for the
// reliability-core components, which take the pieces they need as explicit
// constructor arguments rather than reading ambient globals for store, relay
// access, timing, or configuration.
type Deps struct {
	Store       store.Store
	RelayClient RelayClientFactory
	Prober      prober.Prober
	Clock       Clock
	Config      *config.Config
	Logger      *logging.Logger
	StreamLocks *lock.StreamLocks
	NodeLocks   *lock.NodeLocks
}

// New assembles a Deps bundle with the production Clock and lock registries.
func New(st store.Store, relayFactory RelayClientFactory, prb prober.Prober, cfg *config.Config, logger *logging.Logger) *Deps {
	return &Deps{
		Store:       st,
		RelayClient: relayFactory,
		Prober:      prb,
		Clock:       SystemClock{},
		Config:      cfg,
		Logger:      logger,
		StreamLocks: lock.NewStreamLocks(),
		NodeLocks:   lock.NewNodeLocks(),
	}
}
