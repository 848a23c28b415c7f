package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agoralab/agora/internal/store"
)

// fakeTransport lets tests script ping outcomes per agent
type fakeTransport struct {
	fail map[string]bool
}

func (f *fakeTransport) Call(ctx context.Context, agentID, prompt string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeTransport) Ping(ctx context.Context, agentID string) error {
	if f.fail[agentID] {
		return errors.New("connection refused")
	}
	return nil
}

func newTestRegistry(ft *fakeTransport) *Registry {
	return New(ft, nil, Config{ProbeInterval: time.Millisecond, ProbeTimeout: time.Millisecond, OfflineAfter: 3}, nil)
}

func TestRegister_Idempotent(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapReview: 0.5}})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapReview: 0.9}})

	a, ok := r.Lookup("a")
	if !ok {
		t.Fatal("agent not found")
	}
	if a.Capabilities[CapReview] != 0.9 {
		t.Errorf("capabilities not refreshed: %v", a.Capabilities)
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 agent, got %d", len(r.List()))
	}
}

func TestRegister_ClampsStrength(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapReview: 1.5, CapBugfix: -0.2}})
	a, _ := r.Lookup("a")
	if a.Capabilities[CapReview] != 1 || a.Capabilities[CapBugfix] != 0 {
		t.Errorf("strengths not clamped: %v", a.Capabilities)
	}
}

func TestRankForCapabilities_Deterministic(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "c", Capabilities: map[string]float64{CapImplementation: 0.8, CapReview: 0.9}})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapImplementation: 0.8, CapReview: 0.9}})
	r.Register(Spec{ID: "b", Capabilities: map[string]float64{CapImplementation: 0.9, CapReview: 0.2}})

	ranked := r.RankForCapabilities([]string{CapImplementation})
	if len(ranked) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(ranked))
	}
	// b wins on strength; a before c by ID on full tie.
	if ranked[0].ID != "b" || ranked[1].ID != "a" || ranked[2].ID != "c" {
		t.Errorf("order = %s, %s, %s", ranked[0].ID, ranked[1].ID, ranked[2].ID)
	}

	// Lexicographic on multiple capabilities: implementation first.
	ranked = r.RankForCapabilities([]string{CapImplementation, CapReview})
	if ranked[0].ID != "b" {
		t.Errorf("lexicographic compare should put b first, got %s", ranked[0].ID)
	}
}

func TestRankForCapabilities_LatencyTieBreak(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "slow", Capabilities: map[string]float64{CapReview: 0.8}})
	r.Register(Spec{ID: "fast", Capabilities: map[string]float64{CapReview: 0.8}})
	r.RecordLatency("slow", 900)
	r.RecordLatency("fast", 20)

	ranked := r.RankForCapabilities([]string{CapReview})
	if ranked[0].ID != "fast" {
		t.Errorf("expected lower latency first, got %s", ranked[0].ID)
	}
}

func TestRankForCapabilities_ExcludesOfflineAndUnskilled(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapResearch: 0.9}})
	r.Register(Spec{ID: "b", Capabilities: map[string]float64{CapResearch: 0.7}})
	r.Register(Spec{ID: "c", Capabilities: map[string]float64{CapBugfix: 0.9}})
	r.SetStatus("a", StatusOffline)

	ranked := r.RankForCapabilities([]string{CapResearch})
	if len(ranked) != 1 || ranked[0].ID != "b" {
		t.Errorf("ranked = %+v", ranked)
	}
}

func TestFindByCapability_MinStrength(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapDocumentation: 0.9}})
	r.Register(Spec{ID: "b", Capabilities: map[string]float64{CapDocumentation: 0.3}})

	got := r.FindByCapability(CapDocumentation, 0.5)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("FindByCapability = %+v", got)
	}
}

func TestRecordLatency_EMA(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapReview: 0.8}})

	r.RecordLatency("a", 100)
	a, _ := r.Lookup("a")
	if a.LatencyEMA != 100 {
		t.Fatalf("first sample should seed EMA, got %g", a.LatencyEMA)
	}

	r.RecordLatency("a", 200)
	a, _ = r.Lookup("a")
	want := 0.3*200 + 0.7*100
	if a.LatencyEMA != want {
		t.Errorf("EMA = %g, want %g", a.LatencyEMA, want)
	}
}

func TestProbe_OfflineAfterConsecutiveFailures(t *testing.T) {
	ft := &fakeTransport{fail: map[string]bool{"a": true}}
	r := New(ft, nil, Config{ProbeInterval: time.Nanosecond, ProbeTimeout: time.Second, OfflineAfter: 3}, nil)
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapReview: 0.8}})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		// Clear the back-off so each sweep actually probes.
		r.mu.Lock()
		r.agents["a"].nextTry = time.Time{}
		r.mu.Unlock()
		r.ProbeAll(ctx)
	}

	a, _ := r.Lookup("a")
	if a.Status != StatusOffline {
		t.Errorf("status = %s, want OFFLINE after 3 failures", a.Status)
	}

	// Recovery flips it back.
	ft.fail["a"] = false
	r.mu.Lock()
	r.agents["a"].nextTry = time.Time{}
	r.mu.Unlock()
	r.ProbeAll(ctx)

	a, _ = r.Lookup("a")
	if a.Status != StatusOnline {
		t.Errorf("status = %s, want ONLINE after recovery", a.Status)
	}
}

// fakeAgentLog records every upserted row, keyed by agent ID
type fakeAgentLog struct {
	mu   sync.Mutex
	rows map[string]store.AgentRow
}

func (f *fakeAgentLog) UpsertAgent(a *store.AgentRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]store.AgentRow)
	}
	f.rows[a.ID] = *a
	return nil
}

func (f *fakeAgentLog) get(id string) (store.AgentRow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	return row, ok
}

func TestRegistry_PersistsThroughLog(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	log := &fakeAgentLog{}
	r.SetLog(log)

	r.Register(Spec{ID: "a", Name: "Alpha", Capabilities: map[string]float64{CapReview: 0.8}})
	row, ok := log.get("a")
	if !ok {
		t.Fatal("Register did not persist the agent")
	}
	if row.Name != "Alpha" || row.Status != string(StatusOnline) {
		t.Errorf("row = %+v", row)
	}
	if row.Capabilities[CapReview] != 0.8 {
		t.Errorf("capabilities not persisted: %v", row.Capabilities)
	}

	r.SetStatus("a", StatusOffline)
	row, _ = log.get("a")
	if row.Status != string(StatusOffline) {
		t.Errorf("status change not persisted, row = %+v", row)
	}

	r.RecordLatency("a", 120)
	row, _ = log.get("a")
	if row.LatencyEMA != 120 {
		t.Errorf("latency not persisted, row = %+v", row)
	}
}

func TestSetLog_FlushesExistingAgents(t *testing.T) {
	r := newTestRegistry(&fakeTransport{})
	r.Register(Spec{ID: "a", Capabilities: map[string]float64{CapReview: 0.8}})
	r.Register(Spec{ID: "b", Capabilities: map[string]float64{CapBugfix: 0.6}})

	log := &fakeAgentLog{}
	r.SetLog(log)
	if _, ok := log.get("a"); !ok {
		t.Error("agent a not flushed on SetLog")
	}
	if _, ok := log.get("b"); !ok {
		t.Error("agent b not flushed on SetLog")
	}
}
