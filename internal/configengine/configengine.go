// Package configengine implements the Config Engine (C7): validate a
// node's YAML configuration, compute its canonical hash, diff two configs,
// and run a plan/apply/rollback workflow with an auto-backup snapshot and
// best-effort rollback on failure. Grounded in config_manager.py's validate,
// _hash_config, diff/_analyze_changes, plan and apply, reimplemented with
// gopkg.in/yaml.v3 for parsing/canonical re-serialization and crypto/sha256
// for the content hash.
package configengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/relayfleet/controlplane/internal/errs"
	"github.com/relayfleet/controlplane/internal/lock"
	"github.com/relayfleet/controlplane/internal/logging"
	"github.com/relayfleet/controlplane/internal/relay"
	"github.com/relayfleet/controlplane/internal/store"
)

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Hash     string
}

// Change is one structural difference between two configs, produced by a
// recursive key walk.
type Change struct {
	Type     string // added | removed | modified
	Path     string
	OldValue interface{} `yaml:"old_value,omitempty"`
	NewValue interface{} `yaml:"new_value,omitempty"`
}

// DiffResult is the outcome of Diff.
type DiffResult struct {
	HasChanges bool
	Unified    string
	Changes    []Change
	OldHash    string
	NewHash    string
}

// PlanResult is the outcome of Plan. CurrentYAML carries the node config the
// diff was computed against, so Apply can back it up without fetching again.
type PlanResult struct {
	CanApply    bool
	Validation  ValidationResult
	Diff        DiffResult
	Summary     string
	CurrentYAML string
}

// ApplyResult is the outcome of Apply.
type ApplyResult struct {
	Success       bool
	SnapshotID    uint
	BackupID      uint
	ChangesApplied int
	RolledBack    bool
	Error         string
}

// Engine runs validate/hash/diff/plan/apply/rollback against one node's
// control API and persists ConfigSnapshot rows for every apply/backup.
type Engine struct {
	store       store.Store
	relayClient func(*store.Node) relay.Client
	nodeLocks   *lock.NodeLocks
	logger      *logging.Logger
}

// New builds an Engine.
func New(st store.Store, relayClient func(*store.Node) relay.Client, nodeLocks *lock.NodeLocks, logger *logging.Logger) *Engine {
	return &Engine{store: st, relayClient: relayClient, nodeLocks: nodeLocks, logger: logger}
}

// Validate parses configYAML and checks it against spec.md §4.6's rules.
func (e *Engine) Validate(configYAML string) ValidationResult {
	var cfg map[string]interface{}
	if err := yaml.Unmarshal([]byte(configYAML), &cfg); err != nil {
		return ValidationResult{Valid: false, Errors: []string{"YAML parse error: " + err.Error()}}
	}
	if cfg == nil {
		return ValidationResult{Valid: false, Errors: []string{"config must be a YAML mapping"}}
	}

	var errorsList, warnings []string

	rawPaths, ok := cfg["paths"]
	if !ok {
		errorsList = append(errorsList, "missing required field: paths")
	} else {
		paths, ok := rawPaths.(map[string]interface{})
		if !ok {
			errorsList = append(errorsList, "'paths' must be a mapping")
		} else {
			for name, raw := range paths {
				errorsList = append(errorsList, validatePath(name, raw)...)
			}
		}
	}

	if rt, ok := numericField(cfg["readTimeout"]); ok && rt < 5 {
		warnings = append(warnings, "readTimeout is very low, may cause connection issues")
	}
	if wt, ok := numericField(cfg["writeTimeout"]); ok && wt < 5 {
		warnings = append(warnings, "writeTimeout is very low, may cause connection issues")
	}

	hash, _ := Hash(configYAML)
	return ValidationResult{Valid: len(errorsList) == 0, Errors: errorsList, Warnings: warnings, Hash: hash}
}

func numericField(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func validatePath(name string, raw interface{}) []string {
	if raw == nil {
		return nil // empty path config is valid, uses defaults
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return []string{fmt.Sprintf("path %q config must be a mapping", name)}
	}
	var errorsList []string
	if source, ok := m["source"]; ok && source != nil {
		if _, isStr := source.(string); !isStr {
			errorsList = append(errorsList, fmt.Sprintf("path %q: source must be a string", name))
		}
	}
	if runOnReady, ok := m["runOnReady"]; ok && runOnReady != nil {
		if _, isStr := runOnReady.(string); !isStr {
			errorsList = append(errorsList, fmt.Sprintf("path %q: runOnReady must be a string", name))
		}
	}
	return errorsList
}

// Hash computes the canonical content hash of configYAML: parse, re-render
// with keys sorted at every mapping level, then take the first 16 hex
// characters of the sha256 of that rendering. Property: semantically equal
// configs hash identically regardless of source key order.
func Hash(configYAML string) (string, error) {
	var cfg interface{}
	if err := yaml.Unmarshal([]byte(configYAML), &cfg); err != nil {
		return "", errs.Validation("configengine.hash", "YAML parse error", err)
	}
	canonical, err := canonicalYAML(cfg)
	if err != nil {
		return "", errs.Validation("configengine.hash", "failed to canonicalize config", err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16], nil
}

// canonicalYAML renders v as YAML with every mapping's keys sorted, by
// building an explicit yaml.Node tree instead of relying on map iteration
// order (which yaml.v3's default Marshal does not canonicalize).
func canonicalYAML(v interface{}) (string, error) {
	node, err := toSortedNode(v)
	if err != nil {
		return "", err
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func toSortedNode(v interface{}) (*yaml.Node, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range keys {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
			valNode, err := toSortedNode(val[k])
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, keyNode, valNode)
		}
		return node, nil
	case []interface{}:
		node := &yaml.Node{Kind: yaml.SequenceNode}
		for _, item := range val {
			itemNode, err := toSortedNode(item)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, itemNode)
		}
		return node, nil
	default:
		var node yaml.Node
		if err := node.Encode(v); err != nil {
			return nil, err
		}
		return &node, nil
	}
}

// Diff compares oldYAML (may be empty, meaning "no prior config") against
// newYAML: a unified text diff of sorted-key renderings plus a structural
// change list from a recursive key walk.
func Diff(oldYAML, newYAML string) (DiffResult, error) {
	var oldCfg, newCfg map[string]interface{}
	if oldYAML != "" {
		if err := yaml.Unmarshal([]byte(oldYAML), &oldCfg); err != nil {
			return DiffResult{}, errs.Validation("configengine.diff", "YAML parse error in current config", err)
		}
	}
	if err := yaml.Unmarshal([]byte(newYAML), &newCfg); err != nil {
		return DiffResult{}, errs.Validation("configengine.diff", "YAML parse error in proposed config", err)
	}
	if oldCfg == nil {
		oldCfg = map[string]interface{}{}
	}

	oldCanon, _ := canonicalYAML(oldCfg)
	newCanon, _ := canonicalYAML(newCfg)
	changes := analyzeChanges(oldCfg, newCfg, "")

	var oldHash, newHash string
	if oldYAML != "" {
		oldHash, _ = Hash(oldYAML)
	}
	newHash, _ = Hash(newYAML)

	return DiffResult{
		HasChanges: oldCanon != newCanon,
		Unified:    unifiedDiff(oldCanon, newCanon),
		Changes:    changes,
		OldHash:    oldHash,
		NewHash:    newHash,
	}, nil
}

func analyzeChanges(oldCfg, newCfg map[string]interface{}, path string) []Change {
	keys := map[string]bool{}
	for k := range oldCfg {
		keys[k] = true
	}
	for k := range newCfg {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []Change
	for _, k := range sorted {
		currentPath := k
		if path != "" {
			currentPath = path + "." + k
		}
		oldVal, inOld := oldCfg[k]
		newVal, inNew := newCfg[k]
		switch {
		case !inOld:
			changes = append(changes, Change{Type: "added", Path: currentPath, NewValue: newVal})
		case !inNew:
			changes = append(changes, Change{Type: "removed", Path: currentPath, OldValue: oldVal})
		default:
			oldMap, oldIsMap := oldVal.(map[string]interface{})
			newMap, newIsMap := newVal.(map[string]interface{})
			if oldIsMap && newIsMap {
				changes = append(changes, analyzeChanges(oldMap, newMap, currentPath)...)
			} else if !deepEqual(oldVal, newVal) {
				changes = append(changes, Change{Type: "modified", Path: currentPath, OldValue: oldVal, NewValue: newVal})
			}
		}
	}
	return changes
}

func deepEqual(a, b interface{}) bool {
	ca, _ := canonicalYAML(a)
	cb, _ := canonicalYAML(b)
	return ca == cb
}

// unifiedDiff produces a minimal line-based unified diff, grounded in
// config_manager.py's use of difflib.unified_diff over the sorted-key
// renderings.
func unifiedDiff(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")
	var b strings.Builder
	b.WriteString("--- current\n+++ proposed\n")
	for _, l := range oldLines {
		if !contains(newLines, l) {
			b.WriteString("-" + l + "\n")
		}
	}
	for _, l := range newLines {
		if !contains(oldLines, l) {
			b.WriteString("+" + l + "\n")
		}
	}
	return b.String()
}

func contains(lines []string, target string) bool {
	for _, l := range lines {
		if l == target {
			return true
		}
	}
	return false
}

// Plan validates newYAML and, if a node is given, diffs it against the
// node's currently applied snapshot (or live config if none exists yet).
func (e *Engine) Plan(ctx context.Context, node *store.Node, newYAML, environment string) (*PlanResult, error) {
	validation := e.Validate(newYAML)
	if !validation.Valid {
		return &PlanResult{CanApply: false, Validation: validation}, nil
	}

	currentYAML := ""
	if node != nil {
		if current, err := e.currentConfig(ctx, node); err == nil {
			currentYAML = current
		}
	}

	diff, err := Diff(currentYAML, newYAML)
	if err != nil {
		return nil, err
	}

	return &PlanResult{
		CanApply:    true,
		Validation:  validation,
		Diff:        diff,
		Summary:     fmt.Sprintf("%d change(s) to apply", len(diff.Changes)),
		CurrentYAML: currentYAML,
	}, nil
}

// currentConfig returns the node's latest applied snapshot when one exists,
// falling back to the live node config.
func (e *Engine) currentConfig(ctx context.Context, node *store.Node) (string, error) {
	if snap, err := e.store.GetLatestAppliedSnapshot(ctx, node.ID); err == nil && snap != nil {
		return snap.YAMLText, nil
	}
	client := e.relayClient(node)
	return client.GetGlobalConfig(ctx)
}

// Apply runs plan/backup/apply/rollback-on-failure against node, per
// spec.md §4.6. At most one apply is in flight per node.
func (e *Engine) Apply(ctx context.Context, node *store.Node, newYAML, environment, notes, appliedBy string) (*ApplyResult, error) {
	var result *ApplyResult
	var runErr error
	e.nodeLocks.WithLock(node.Name, func() {
		result, runErr = e.applyLocked(ctx, node, newYAML, environment, notes, appliedBy)
	})
	return result, runErr
}

func (e *Engine) applyLocked(ctx context.Context, node *store.Node, newYAML, environment, notes, appliedBy string) (*ApplyResult, error) {
	plan, err := e.Plan(ctx, node, newYAML, environment)
	if err != nil {
		return nil, err
	}
	if !plan.CanApply {
		return &ApplyResult{Success: false, Error: "validation failed"}, nil
	}

	currentYAML := plan.CurrentYAML

	var backupID uint
	if currentYAML != "" {
		hash, _ := Hash(currentYAML)
		backup := &store.ConfigSnapshot{
			NodeID: &node.ID, Hash: hash, YAMLText: currentYAML, Environment: environment,
			Applied: true, Notes: "auto-backup before apply",
		}
		now := time.Now()
		backup.AppliedAt = &now
		if err := e.store.CreateSnapshot(ctx, backup); err != nil {
			return nil, err
		}
		backupID = backup.ID
	}

	client := e.relayClient(node)
	applyErr := client.PatchGlobalConfig(ctx, []byte(newYAML))
	if applyErr != nil {
		rolledBack := e.bestEffortRollback(ctx, client, currentYAML)
		return &ApplyResult{Success: false, Error: applyErr.Error(), RolledBack: rolledBack, BackupID: backupID}, nil
	}

	snapshot := &store.ConfigSnapshot{
		NodeID: &node.ID, Hash: plan.Validation.Hash, YAMLText: newYAML, Environment: environment,
		Applied: true, AppliedBy: appliedBy, Notes: notes,
	}
	now := time.Now()
	snapshot.AppliedAt = &now
	if err := e.store.CreateSnapshot(ctx, snapshot); err != nil {
		rolledBack := e.bestEffortRollback(ctx, client, currentYAML)
		return &ApplyResult{Success: false, Error: err.Error(), RolledBack: rolledBack, BackupID: backupID}, nil
	}

	return &ApplyResult{Success: true, SnapshotID: snapshot.ID, BackupID: backupID, ChangesApplied: len(plan.Diff.Changes)}, nil
}

func (e *Engine) bestEffortRollback(ctx context.Context, client relay.Client, backupYAML string) bool {
	if backupYAML == "" {
		return false
	}
	if err := client.PatchGlobalConfig(ctx, []byte(backupYAML)); err != nil {
		e.logger.WithError(err).Warn("best-effort config rollback also failed")
		return false
	}
	return true
}

// Rollback re-applies a prior snapshot's YAML and tags the resulting
// snapshot with RollbackOf.
func (e *Engine) Rollback(ctx context.Context, node *store.Node, snapshotID uint, appliedBy string) (*ApplyResult, error) {
	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	result, err := e.Apply(ctx, node, snap.YAMLText, snap.Environment, fmt.Sprintf("rollback to snapshot %d", snapshotID), appliedBy)
	if err != nil || result == nil || !result.Success {
		return result, err
	}
	if err := e.store.TagSnapshotRollback(ctx, result.SnapshotID, snapshotID); err != nil {
		e.logger.WithError(err).Warn("failed to tag snapshot with rollback origin")
	}
	return result, nil
}

// BatchResult is one node's outcome within a rolling update.
type BatchResult struct {
	NodeID uint
	Result *ApplyResult
	Err    error
}

// RollingUpdate applies newYAML to nodes in sequential batches of
// batchSize, aborting before the next batch if any node in the current
// batch fails (spec.md §4.6, invariant 6).
func (e *Engine) RollingUpdate(ctx context.Context, nodes []store.Node, newYAML, environment string, batchSize int, delayBetweenBatches time.Duration, sleep func(time.Duration)) ([]BatchResult, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	var all []BatchResult
	for start := 0; start < len(nodes); start += batchSize {
		end := start + batchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[start:end]

		// Nodes within a batch apply in parallel; batches themselves are
		// strictly sequential.
		batchResults := make([]BatchResult, len(batch))
		g := &errgroup.Group{}
		for i := range batch {
			i := i
			node := batch[i]
			g.Go(func() error {
				result, err := e.Apply(ctx, &node, newYAML, environment, fmt.Sprintf("rolling update batch %d", start/batchSize+1), "scheduler")
				batchResults[i] = BatchResult{NodeID: node.ID, Result: result, Err: err}
				return nil
			})
		}
		_ = g.Wait()

		batchFailed := false
		for _, br := range batchResults {
			all = append(all, br)
			if br.Err != nil || br.Result == nil || !br.Result.Success {
				batchFailed = true
			}
		}
		if batchFailed {
			return all, errs.State("configengine.rolling_update", "a batch had failures, stopping rollout")
		}
		if end < len(nodes) && sleep != nil {
			sleep(delayBetweenBatches)
		}
	}
	return all, nil
}
