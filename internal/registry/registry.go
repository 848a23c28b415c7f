// Package registry maintains the live set of known agents, their
// capability strengths and their health. Queries hand out snapshots;
// the registry owns the mutable records.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/agents"
	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/store"
)

// Status is an agent's availability
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// Capability vocabulary. Strength scores are in [0,1].
const (
	CapImplementation = "implementation"
	CapArchitecture   = "architecture"
	CapReview         = "review"
	CapResearch       = "research"
	CapBugfix         = "bugfix"
	CapDocumentation  = "documentation"
	CapPlanning       = "planning"
	CapTesting        = "testing"
)

// latencyAlpha is the EMA smoothing factor for call latency
const latencyAlpha = 0.3

// Agent is a snapshot of a registered agent
type Agent struct {
	ID           string             `json:"id"`
	Type         string             `json:"type,omitempty"`
	Name         string             `json:"name,omitempty"`
	Capabilities map[string]float64 `json:"capabilities"`
	Status       Status             `json:"status"`
	LatencyEMA   float64            `json:"latency_ema_ms"`
	LastProbe    time.Time          `json:"last_probe,omitempty"`
}

// Spec describes an agent at registration time
type Spec struct {
	ID           string
	Type         string
	Name         string
	Capabilities map[string]float64
}

type record struct {
	agent    Agent
	failures int
	nextTry  time.Time
}

// Config tunes the health loop
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	OfflineAfter  int
}

func (c *Config) defaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 3
	}
}

// AgentLog persists registry snapshots so agent state survives
// restarts and is visible to offline tooling. Satisfied by the store.
type AgentLog interface {
	UpsertAgent(a *store.AgentRow) error
}

// Registry tracks known agents
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*record
	transport agents.Transport
	bus       *events.Bus
	log       AgentLog
	cfg       Config
	logger    *zap.Logger
}

// New creates a registry. bus may be nil in tests.
func New(transport agents.Transport, bus *events.Bus, cfg Config, logger *zap.Logger) *Registry {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents:    make(map[string]*record),
		transport: transport,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetLog installs a persistence sink and writes the current records
// through it; later changes are persisted as they happen.
func (r *Registry) SetLog(log AgentLog) {
	r.mu.Lock()
	r.log = log
	snaps := make([]Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		snaps = append(snaps, snapshot(rec))
	}
	r.mu.Unlock()

	for _, a := range snaps {
		r.persist(a)
	}
}

// persist writes one snapshot to the log, if one is installed.
// Callers must not hold r.mu.
func (r *Registry) persist(a Agent) {
	r.mu.RLock()
	log := r.log
	r.mu.RUnlock()
	if log == nil {
		return
	}

	row := &store.AgentRow{
		ID:           a.ID,
		Type:         a.Type,
		Name:         a.Name,
		Capabilities: a.Capabilities,
		Status:       string(a.Status),
		LatencyEMA:   a.LatencyEMA,
	}
	if !a.LastProbe.IsZero() {
		probe := a.LastProbe
		row.LastProbe = &probe
	}
	if err := log.UpsertAgent(row); err != nil {
		r.logger.Warn("agent persist failed", zap.String("agent_id", a.ID), zap.Error(err))
	}
}

// Register adds or updates an agent. Idempotent; a re-registration
// refreshes capabilities but keeps health state.
func (r *Registry) Register(spec Spec) {
	r.mu.Lock()

	caps := make(map[string]float64, len(spec.Capabilities))
	for c, s := range spec.Capabilities {
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		caps[c] = s
	}

	rec, ok := r.agents[spec.ID]
	if ok {
		rec.agent.Type = spec.Type
		rec.agent.Name = spec.Name
		rec.agent.Capabilities = caps
	} else {
		rec = &record{agent: Agent{
			ID:           spec.ID,
			Type:         spec.Type,
			Name:         spec.Name,
			Capabilities: caps,
			Status:       StatusOnline,
		}}
		r.agents[spec.ID] = rec
	}
	snap := snapshot(rec)
	r.mu.Unlock()

	r.persist(snap)
}

// Lookup returns a snapshot of one agent
func (r *Registry) Lookup(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return snapshot(rec), true
}

// List returns snapshots of all agents, sorted by ID
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, snapshot(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapability returns ONLINE agents supporting the capability at or
// above minStrength, best first (strength desc, latency asc, ID asc).
func (r *Registry) FindByCapability(capability string, minStrength float64) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, rec := range r.agents {
		if rec.agent.Status != StatusOnline {
			continue
		}
		if rec.agent.Capabilities[capability] >= minStrength && rec.agent.Capabilities[capability] > 0 {
			out = append(out, snapshot(rec))
		}
	}
	sortByStrength(out, []string{capability})
	return out
}

// RankForCapabilities returns ONLINE agents whose capability set covers
// all required capabilities, ranked lexicographically by the strength
// vector on those capabilities, tie-broken by latency EMA then agent ID.
func (r *Registry) RankForCapabilities(required []string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Agent
	for _, rec := range r.agents {
		if rec.agent.Status != StatusOnline {
			continue
		}
		ok := true
		for _, c := range required {
			if rec.agent.Capabilities[c] <= 0 {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, snapshot(rec))
		}
	}
	sortByStrength(out, required)
	return out
}

// SetStatus updates availability and publishes AgentStatusChanged
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok || rec.agent.Status == status {
		r.mu.Unlock()
		return
	}
	old := rec.agent.Status
	rec.agent.Status = status
	snap := snapshot(rec)
	r.mu.Unlock()

	r.persist(snap)
	r.logger.Info("agent status changed",
		zap.String("agent_id", id),
		zap.String("from", string(old)),
		zap.String("to", string(status)))
	if r.bus != nil {
		r.bus.Publish(events.NewEvent(events.EventAgentStatusChanged, "", id, map[string]interface{}{
			"old": string(old),
			"new": string(status),
		}))
	}
}

// RecordLatency folds a call latency sample into the agent's EMA
func (r *Registry) RecordLatency(id string, ms float64) {
	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if rec.agent.LatencyEMA == 0 {
		rec.agent.LatencyEMA = ms
	} else {
		rec.agent.LatencyEMA = latencyAlpha*ms + (1-latencyAlpha)*rec.agent.LatencyEMA
	}
	snap := snapshot(rec)
	r.mu.Unlock()

	r.persist(snap)
}

// HealthLoop probes all agents on a ticker until ctx is cancelled.
// An agent is marked OFFLINE after OfflineAfter consecutive failures;
// failed agents are retried with exponential back-off.
func (r *Registry) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one health sweep. Exposed for tests and startup.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	now := time.Now()
	for id, rec := range r.agents {
		if rec.nextTry.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.probe(ctx, id)
	}
}

func (r *Registry) probe(ctx context.Context, id string) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	start := time.Now()
	err := r.transport.Ping(probeCtx, id)
	elapsed := time.Since(start)
	cancel()

	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.agent.LastProbe = time.Now().UTC()

	if err != nil {
		rec.failures++
		// Back off: skip 1, 2, 4... probe intervals, capped at 8.
		backoff := r.cfg.ProbeInterval * time.Duration(1<<min(rec.failures, 3))
		rec.nextTry = time.Now().Add(backoff)
		failures := rec.failures
		offline := failures >= r.cfg.OfflineAfter && rec.agent.Status != StatusOffline
		r.mu.Unlock()

		r.logger.Debug("agent probe failed",
			zap.String("agent_id", id),
			zap.Int("failures", failures),
			zap.Error(err))
		if offline {
			r.SetStatus(id, StatusOffline)
		}
		return
	}

	rec.failures = 0
	rec.nextTry = time.Time{}
	online := rec.agent.Status == StatusOffline
	r.mu.Unlock()

	r.RecordLatency(id, float64(elapsed.Milliseconds()))
	if online {
		r.SetStatus(id, StatusOnline)
	}
}

func snapshot(rec *record) Agent {
	a := rec.agent
	caps := make(map[string]float64, len(a.Capabilities))
	for c, s := range a.Capabilities {
		caps[c] = s
	}
	a.Capabilities = caps
	return a
}

// sortByStrength orders agents by their strength vector on the given
// capabilities (lexicographic, descending), then latency EMA ascending,
// then agent ID. The ordering is fully deterministic.
func sortByStrength(list []Agent, caps []string) {
	sort.Slice(list, func(i, j int) bool {
		for _, c := range caps {
			si, sj := list[i].Capabilities[c], list[j].Capabilities[c]
			if si != sj {
				return si > sj
			}
		}
		if list[i].LatencyEMA != list[j].LatencyEMA {
			return list[i].LatencyEMA < list[j].LatencyEMA
		}
		return list[i].ID < list[j].ID
	})
}
