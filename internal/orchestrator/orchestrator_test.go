package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agoralab/agora/internal/consensus"
	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/registry"
	"github.com/agoralab/agora/internal/routing"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/tasks"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeTransport) Call(ctx context.Context, agentID, prompt string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return "", errors.New("agent rejected call")
	}
	return "ack", nil
}

func (f *fakeTransport) Ping(ctx context.Context, agentID string) error { return nil }

type fixture struct {
	orch  *Orchestrator
	store *store.Store
	reg   *registry.Registry
}

func newFixture(t *testing.T, cfg Config, specs ...registry.Spec) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agora.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(st, 0, nil)
	t.Cleanup(bus.Close)

	transport := &fakeTransport{}
	reg := registry.New(transport, bus, registry.Config{}, nil)
	for _, s := range specs {
		reg.Register(s)
	}
	router := routing.New(reg, routing.Config{}, nil)

	orch := Build(st, reg, router, transport, nil, bus,
		consensus.NewStrategyRegistry(), consensus.Params{}, cfg, nil)
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, store: st, reg: reg}
}

func waitStatus(t *testing.T, st *store.Store, taskID string, want tasks.Status) *tasks.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := st.GetTask(taskID)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck at %s, want %s", taskID, task.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func docAgent(id string, strength float64) registry.Spec {
	return registry.Spec{ID: id, Capabilities: map[string]float64{
		registry.CapDocumentation: strength,
		registry.CapImplementation: strength,
	}}
}

func TestSoloHappyPath(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("writer", 0.9))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title:       "Fix typo in README",
		Description: "one-character fix",
		Type:        tasks.TypeDocumentation,
		Complexity:  1,
		Risk:        1,
		CreatedBy:   "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Routing != tasks.RouteSolo || res.PrimaryAgent != "writer" {
		t.Fatalf("routing = %+v", res)
	}
	if res.Status != tasks.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", res.Status)
	}

	if _, err := f.orch.SubmitInput(res.TaskID, "writer", tasks.InputInitialSolution, "fixed it", 0.95); err != nil {
		t.Fatal(err)
	}

	task := waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)
	d, err := f.store.GetDecision(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Strategy != consensus.StrategySolo || !d.Consensus || d.WinnerID == "" {
		t.Errorf("decision = %+v", d)
	}
}

func TestForcedConsensus(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title:      "pick a library",
		Type:       tasks.TypeImplementation,
		Complexity: 2,
		Risk:       2,
		CreatedBy:  "captain",
		Directives: routing.Directives{ForceConsensus: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Routing != tasks.RouteConsensus || len(res.Assignees) != 2 {
		t.Fatalf("routing = %+v", res)
	}
	if res.Status != tasks.StatusWaitingInput {
		t.Errorf("status = %s, want WAITING_INPUT", res.Status)
	}

	for _, agent := range res.Assignees {
		if _, err := f.orch.SubmitInput(res.TaskID, agent, tasks.InputInitialSolution, "use sqlite", 0.8); err != nil {
			t.Fatal(err)
		}
	}

	waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)
	d, err := f.store.GetDecision(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Strategy != consensus.StrategyVoting || !d.Consensus {
		t.Errorf("decision = %+v", d)
	}
}

func TestSubmitInput_Idempotent(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title:      "t",
		Type:       tasks.TypeImplementation,
		Complexity: 5,
		Risk:       8,
		CreatedBy:  "captain",
	})
	if err != nil {
		t.Fatal(err)
	}

	id1, err := f.orch.SubmitInput(res.TaskID, "alpha", tasks.InputInitialSolution, "plan A", 0.7)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := f.orch.SubmitInput(res.TaskID, "alpha", tasks.InputInitialSolution, "plan A", 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("identical resubmission returned %s then %s", id1, id2)
	}
}

func TestSubmitInput_NonAssigneeRejected(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 1, Risk: 1, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.SubmitInput(res.TaskID, "stranger", tasks.InputInitialSolution, "x", 0.5); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSubmitInput_SequentialOutOfTurn(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title:      "two-stage build",
		Type:       tasks.TypeImplementation,
		Complexity: 4,
		Risk:       4,
		CreatedBy:  "captain",
		Directives: routing.Directives{MultiStage: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Routing != tasks.RouteSequential || len(res.Assignees) < 2 {
		t.Fatalf("routing = %+v", res)
	}
	first, second := res.Assignees[0], res.Assignees[1]

	// The second-stage agent is an assignee but the task is not theirs yet.
	if _, err := f.orch.SubmitInput(res.TaskID, second, tasks.InputInitialSolution, "jumping ahead", 0.8); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("out-of-turn submit: expected ErrConflict, got %v", err)
	}
	task, _ := f.store.GetTask(res.TaskID)
	if task.Status != tasks.StatusInProgress {
		t.Errorf("status = %s after rejected submit, want IN_PROGRESS", task.Status)
	}

	// The stage holder submits, handing the task to the next agent.
	if _, err := f.orch.SubmitInput(res.TaskID, first, tasks.InputInitialSolution, "stage one done", 0.9); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, res.TaskID, tasks.StatusInProgress)
	if _, err := f.orch.SubmitInput(res.TaskID, first, tasks.InputRefinement, "double submit", 0.9); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale-stage submit: expected ErrConflict, got %v", err)
	}
	if _, err := f.orch.SubmitInput(res.TaskID, second, tasks.InputInitialSolution, "stage two done", 0.9); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)
}

func TestCompleteTask_CreatorOnly(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 1, Risk: 1, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.orch.CompleteTask(res.TaskID, "imposter", "done", ManualDecision{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	task, _ := f.store.GetTask(res.TaskID)
	if tasks.IsTerminal(task.Status) {
		t.Error("unauthorized completion must not change status")
	}

	status, err := f.orch.CompleteTask(res.TaskID, "captain", "done", ManualDecision{AgreementRate: 1})
	if err != nil {
		t.Fatal(err)
	}
	if status != tasks.StatusCompleted {
		t.Errorf("status = %s", status)
	}

	// Idempotent on terminal.
	status, err = f.orch.CompleteTask(res.TaskID, "captain", "done again", ManualDecision{})
	if err != nil || status != tasks.StatusCompleted {
		t.Errorf("repeat completion: status=%s err=%v", status, err)
	}
}

func TestCancelTask_ReleasesExpectation(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 8, Risk: 8, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !f.orch.Consensus().Waiting(res.TaskID) {
		t.Fatal("expectation should be registered")
	}

	status, err := f.orch.CancelTask(res.TaskID, "captain", "obsolete")
	if err != nil || status != tasks.StatusCancelled {
		t.Fatalf("cancel: status=%s err=%v", status, err)
	}
	if f.orch.Consensus().Waiting(res.TaskID) {
		t.Error("cancellation should release the expectation")
	}

	// Idempotent on terminal.
	status, err = f.orch.CancelTask(res.TaskID, "captain", "")
	if err != nil || status != tasks.StatusCancelled {
		t.Errorf("repeat cancel: status=%s err=%v", status, err)
	}
}

func TestAdaptiveUpgrade(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 4, Risk: 4, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Routing != tasks.RouteAdaptive || len(res.Assignees) != 1 {
		t.Fatalf("routing = %+v", res)
	}
	first := res.Assignees[0]

	// Low confidence converts the task to consensus with a second agent.
	if _, err := f.orch.SubmitInput(res.TaskID, first, tasks.InputInitialSolution, "not sure", 0.3); err != nil {
		t.Fatal(err)
	}
	task := waitStatus(t, f.store, res.TaskID, tasks.StatusWaitingInput)
	if task.Strategy != tasks.RouteConsensus || len(task.Assignees) != 2 {
		t.Fatalf("upgraded task = %+v", task)
	}

	var second string
	for _, a := range task.Assignees {
		if a != first {
			second = a
		}
	}
	if _, err := f.orch.SubmitInput(res.TaskID, second, tasks.InputInitialSolution, "not sure", 0.9); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)
	proposals, err := f.store.ListProposals(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != 2 {
		t.Errorf("upgrade must keep the original proposal, got %d", len(proposals))
	}
}

func TestAdaptive_HighConfidenceCompletesSolo(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 4, Risk: 4, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.SubmitInput(res.TaskID, res.PrimaryAgent, tasks.InputInitialSolution, "confident fix", 0.9); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)
}

func TestConsensusTimeout_PartialDecision(t *testing.T) {
	f := newFixture(t, Config{RoundTimeout: 80 * time.Millisecond},
		docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 8, Risk: 8, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.SubmitInput(res.TaskID, res.Assignees[0], tasks.InputInitialSolution, "only voice", 0.8); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)
	d, err := f.store.GetDecision(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Partial {
		t.Error("timeout decision should be marked partial")
	}
}

func TestConsensusTimeout_NoProposalsFails(t *testing.T) {
	f := newFixture(t, Config{RoundTimeout: 50 * time.Millisecond},
		docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 8, Risk: 8, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, res.TaskID, tasks.StatusFailed)
}

func TestCreateTask_NoEligibleAgent(t *testing.T) {
	f := newFixture(t, Config{}) // empty registry

	_, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 8, Risk: 8, CreatedBy: "captain",
	})
	if !errors.Is(err, routing.ErrNoEligibleAgent) {
		t.Errorf("expected ErrNoEligibleAgent, got %v", err)
	}

	// The task record survives as a FAILED row carrying the routing
	// reason, not just an RPC error.
	failed, _, err := f.store.ListTasks(store.TaskFilter{Status: tasks.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 FAILED task, got %d", len(failed))
	}
	if failed[0].ResultSummary == "" || !strings.Contains(failed[0].ResultSummary, "routing failed") {
		t.Errorf("result summary = %q, want routing failure explanation", failed[0].ResultSummary)
	}
}

func TestCreateTask_InvalidScores(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9))

	for _, complexity := range []int{0, 11} {
		_, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
			Title: "t", Type: tasks.TypeImplementation, Complexity: complexity, Risk: 5, CreatedBy: "captain",
		})
		if !errors.Is(err, store.ErrInvalid) {
			t.Errorf("complexity %d: expected ErrInvalid, got %v", complexity, err)
		}
	}
}

func TestContinueTask_Detail(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 1, Risk: 1, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.SubmitInput(res.TaskID, "alpha", tasks.InputInitialSolution, "done", 0.9); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, res.TaskID, tasks.StatusCompleted)

	detail, err := f.orch.ContinueTask(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Proposals) != 1 || detail.Decision == nil {
		t.Errorf("detail = %+v", detail)
	}
	if len(detail.History) < 3 {
		t.Errorf("expected full transition history, got %d entries", len(detail.History))
	}
}

func TestGetPendingTasks_ForAgent(t *testing.T) {
	f := newFixture(t, Config{}, docAgent("alpha", 0.9), docAgent("beta", 0.8))

	res, err := f.orch.CreateTask(context.Background(), CreateTaskRequest{
		Title: "t", Type: tasks.TypeImplementation, Complexity: 8, Risk: 8, CreatedBy: "captain",
	})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := f.orch.GetPendingTasks("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != res.TaskID {
		t.Errorf("pending = %+v", pending)
	}

	pending, err = f.orch.GetPendingTasks("stranger")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("stranger should have no pending tasks, got %d", len(pending))
	}
}
