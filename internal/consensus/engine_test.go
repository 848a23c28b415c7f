package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agoralab/agora/internal/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fireRecorder struct {
	mu    sync.Mutex
	fired chan struct{}
	calls []Outcome
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{fired: make(chan struct{}, 8)}
}

func (f *fireRecorder) fire(taskID string, outcome Outcome) {
	f.mu.Lock()
	f.calls = append(f.calls, outcome)
	f.mu.Unlock()
	f.fired <- struct{}{}
}

func (f *fireRecorder) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case <-f.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expectation never fired")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(fire FireFunc) *Engine {
	return NewEngine(NewStrategyRegistry(), Params{}, fire, nil)
}

func TestEngine_FiresCompleteWhenAllSubmit(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a", "b"}, time.Minute, 1)
	e.OnProposal("task-1", "a")
	if !e.Waiting("task-1") {
		t.Fatal("expectation should stay open with one agent outstanding")
	}
	e.OnProposal("task-1", "b")

	if got := rec.wait(t); got != OutcomeComplete {
		t.Errorf("outcome = %v, want OutcomeComplete", got)
	}
	if e.Waiting("task-1") {
		t.Error("expectation should be closed after firing")
	}
}

func TestEngine_FiresPartialOnDeadline(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a", "b"}, 30*time.Millisecond, 1)
	e.OnProposal("task-1", "a")

	if got := rec.wait(t); got != OutcomePartial {
		t.Errorf("outcome = %v, want OutcomePartial", got)
	}
}

func TestEngine_FiresEmptyOnDeadline(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a"}, 30*time.Millisecond, 1)

	if got := rec.wait(t); got != OutcomeEmpty {
		t.Errorf("outcome = %v, want OutcomeEmpty", got)
	}
}

func TestEngine_ReleaseNeverFires(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a"}, 30*time.Millisecond, 1)
	e.Release("task-1")

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("released expectation must not fire")
	}
	if e.Waiting("task-1") {
		t.Error("released expectation should be gone")
	}
}

func TestEngine_ExpandHoldsCompletionOpen(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a"}, time.Minute, 1)
	e.Expand("task-1", []string{"b"})
	e.OnProposal("task-1", "a")

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("expanded expectation fired before new agent submitted")
	}

	e.OnProposal("task-1", "b")
	if got := rec.wait(t); got != OutcomeComplete {
		t.Errorf("outcome = %v, want OutcomeComplete", got)
	}
}

func TestEngine_RegisterReplacesPriorRound(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a", "b"}, time.Minute, 1)
	e.OnProposal("task-1", "a")

	// Round two starts fresh; the round-one submission does not count.
	e.Register(context.Background(), "task-1", []string{"a", "b"}, time.Minute, 2)
	e.OnProposal("task-1", "b")
	if !e.Waiting("task-1") {
		t.Fatal("round two should still be waiting on agent a")
	}
	e.OnProposal("task-1", "a")
	if got := rec.wait(t); got != OutcomeComplete {
		t.Errorf("outcome = %v, want OutcomeComplete", got)
	}
}

func TestEngine_OnProposalIgnoresStrangers(t *testing.T) {
	rec := newFireRecorder()
	e := newTestEngine(rec.fire)

	e.Register(context.Background(), "task-1", []string{"a"}, time.Minute, 1)
	e.OnProposal("task-1", "not-expected")
	e.OnProposal("other-task", "a")
	if !e.Waiting("task-1") {
		t.Error("unexpected agents must not satisfy the expectation")
	}
	e.Release("task-1")
}

func TestEvaluate_StampsTokenEconomics(t *testing.T) {
	e := newTestEngine(func(string, Outcome) {})

	small := tasks.NewProposal("task-1", "a", tasks.InputInitialSolution, "use sqlite", 0.8)
	small.ID = "p-small"
	big := tasks.NewProposal("task-1", "b", tasks.InputInitialSolution, "use sqlite", 0.9)
	big.ID = "p-big"
	big.TokensOut = 100
	small.TokensOut = 40

	// 3 expected agents, largest 100, total 140: saved = 300-140.
	d, err := e.Evaluate(StrategyVoting, []*tasks.Proposal{small, big}, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if d.TotalTokens != 140 {
		t.Errorf("total tokens = %d, want 140", d.TotalTokens)
	}
	if d.TokensSaved != 160 {
		t.Errorf("tokens saved = %d, want 160", d.TokensSaved)
	}
	if !d.Partial {
		t.Error("partial flag should pass through")
	}
}

func TestEvaluate_UnknownStrategy(t *testing.T) {
	e := newTestEngine(func(string, Outcome) {})
	p := tasks.NewProposal("task-1", "a", tasks.InputInitialSolution, "x", 0.5)
	if _, err := e.Evaluate("NO_SUCH", []*tasks.Proposal{p}, 1, false); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
