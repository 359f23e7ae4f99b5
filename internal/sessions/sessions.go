// Package sessions implements the Session Aggregator (C10): a read-only
// union of per-protocol session lists across every active node, normalized
// to one shape, with viewer filtering, pagination, and per-dimension
// summaries. Kick requests are forwarded to the owning node's per-protocol
// endpoint.
package sessions

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/platform"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// Session is the normalized record for one client connection to one node.
type Session struct {
	ID         string    `json:"id"`
	Node       string    `json:"node"`
	Path       string    `json:"path"`
	Protocol   string    `json:"protocol"`
	RemoteAddr string    `json:"remote_addr"`
	ClientIP   string    `json:"client_ip"`
	ClientPort int       `json:"client_port"`
	State      string    `json:"state"`
	Created    time.Time `json:"created"`
	DurationS  float64   `json:"duration_s"`
	BytesRx    int64     `json:"bytes_rx"`
	BytesTx    int64     `json:"bytes_tx"`
	Transport  string    `json:"transport,omitempty"`
}

// Summary aggregates the full (pre-pagination) session set.
type Summary struct {
	ByProtocol   map[string]int `json:"by_protocol"`
	ByNode       map[string]int `json:"by_node"`
	ByPath       map[string]int `json:"by_path"`
	TotalViewers int            `json:"total_viewers"`
}

// ListOptions selects and pages the aggregated list.
type ListOptions struct {
	ViewersOnly bool
	Page        int // 1-based
	PerPage     int
}

// ListResult is one aggregation pass over the fleet.
type ListResult struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
	Summary  Summary   `json:"summary"`
	Errors   []string  `json:"errors,omitempty"`
}

// Aggregator fans session listing out across nodes and protocols.
type Aggregator struct {
	store       store.Store
	relayClient platform.RelayClientFactory
	clock       platform.Clock
	logger      *logging.Logger
}

// New builds an Aggregator.
func New(st store.Store, relayClient platform.RelayClientFactory, clock platform.Clock, logger *logging.Logger) *Aggregator {
	return &Aggregator{store: st, relayClient: relayClient, clock: clock, logger: logger}
}

// splitAddr parses "ipv4:port" and "[ipv6]:port" remote addresses. An
// address with no port yields the input as IP and port 0.
func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (a *Aggregator) normalize(nodeName string, proto relay.Protocol, s relay.Session, now time.Time) Session {
	ip, port := splitAddr(s.RemoteAddr)
	out := Session{
		ID:         s.ID,
		Node:       nodeName,
		Path:       s.Path,
		Protocol:   string(proto),
		RemoteAddr: s.RemoteAddr,
		ClientIP:   ip,
		ClientPort: port,
		State:      s.State,
		BytesRx:    s.BytesRecv,
		BytesTx:    s.BytesSent,
		Transport:  s.Transport,
	}
	if created, err := time.Parse(time.RFC3339, s.Created); err == nil {
		out.Created = created
		out.DurationS = now.Sub(created).Seconds()
	}
	return out
}

// List queries every (active node, protocol) pair in parallel and returns
// the normalized, sorted, paginated union. A node or protocol that fails is
// reported in Errors and excluded; it never fails the whole aggregation. A
// 404 from a protocol's list endpoint means the protocol is disabled on that
// node and contributes nothing.
func (a *Aggregator) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	nodes, err := a.store.ListActiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now()

	var mu sync.Mutex
	var all []Session
	var errsSeen []string

	g, gctx := errgroup.WithContext(ctx)
	for i := range nodes {
		node := nodes[i]
		client := a.relayClient(&node)
		for _, proto := range relay.AllProtocols() {
			proto := proto
			g.Go(func() error {
				raw, lerr := client.ListSessions(gctx, proto)
				mu.Lock()
				defer mu.Unlock()
				if lerr != nil {
					errsSeen = append(errsSeen, node.Name+"/"+string(proto)+": "+lerr.Error())
					return nil
				}
				for _, s := range raw {
					all = append(all, a.normalize(node.Name, proto, s, now))
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if opts.ViewersOnly {
		filtered := all[:0]
		for _, s := range all {
			if s.State == "read" {
				filtered = append(filtered, s)
			}
		}
		all = filtered
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Created.After(all[j].Created) })

	summary := Summary{
		ByProtocol: make(map[string]int),
		ByNode:     make(map[string]int),
		ByPath:     make(map[string]int),
	}
	for _, s := range all {
		summary.ByProtocol[s.Protocol]++
		summary.ByNode[s.Node]++
		if s.Path != "" {
			summary.ByPath[s.Path]++
		}
		if s.State == "read" {
			summary.TotalViewers++
		}
	}

	page, perPage := opts.Page, opts.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	start := (page - 1) * perPage
	end := start + perPage
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	return &ListResult{
		Sessions: all[start:end],
		Total:    len(all),
		Page:     page,
		PerPage:  perPage,
		Summary:  summary,
		Errors:   errsSeen,
	}, nil
}

// Kick forwards a session kick to the owning node's per-protocol endpoint.
func (a *Aggregator) Kick(ctx context.Context, nodeName string, proto relay.Protocol, sessionID string) error {
	node, err := a.store.GetNodeByName(ctx, nodeName)
	if err != nil {
		return err
	}
	return a.relayClient(node).KickSession(ctx, proto, sessionID)
}
