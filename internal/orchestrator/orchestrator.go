// Package orchestrator owns the per-task control flow: routing, agent
// dispatch, proposal collection, and completion. All task state
// transitions go through here, serialized per task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/agents"
	"github.com/agoralab/agora/internal/consensus"
	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/registry"
	"github.com/agoralab/agora/internal/routing"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/tasks"
)

// ErrUnauthorized is returned when a non-creator attempts completion
var ErrUnauthorized = errors.New("unauthorized")

// metadata keys recorded on the task for the audit trail
const (
	metaRoutingReason   = "routing_reason"
	metaEmergencyBypass = "emergency_bypass"
	metaDowngraded      = "downgraded"
	metaStage           = "stage"
	metaFailureReason   = "failure_reason"
	metaStrategyName    = "consensus_strategy"
)

// Config tunes the orchestrator
type Config struct {
	DefaultStrategy  string        // consensus strategy name for evaluation
	MaxRounds        int           // refinement rounds before escalation
	RoundTimeout     time.Duration // consensus proposal collection deadline
	SoloTimeout      time.Duration // per-agent call deadline
	MaxRetries       int           // dispatch retries on transient errors
	RetryBackoff     time.Duration // initial back-off, doubled per attempt
	UpgradeThreshold float64       // adaptive -> consensus confidence bound
}

func (c *Config) defaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = consensus.StrategyVoting
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 5 * time.Minute
	}
	if c.SoloTimeout <= 0 {
		c.SoloTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.UpgradeThreshold <= 0 {
		c.UpgradeThreshold = 0.6
	}
}

// Orchestrator is the central task state machine
type Orchestrator struct {
	store     *store.Store
	registry  *registry.Registry
	router    *routing.Engine
	consensus *consensus.Engine
	transport agents.Transport
	provider  agents.ContextProvider
	bus       *events.Bus
	cfg       Config
	logger    *zap.Logger

	locks keyedMutex

	// in-flight dispatch cancellation, keyed by task ID
	callMu    sync.Mutex
	callStops map[string]context.CancelFunc

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestrator. The consensus engine must be created with
// the orchestrator's fire callback; use Build for the usual wiring.
func New(st *store.Store, reg *registry.Registry, router *routing.Engine,
	transport agents.Transport, provider agents.ContextProvider,
	bus *events.Bus, cfg Config, logger *zap.Logger) *Orchestrator {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if provider == nil {
		provider = agents.NopContextProvider{}
	}
	runCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     st,
		registry:  reg,
		router:    router,
		transport: transport,
		provider:  provider,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		callStops: make(map[string]context.CancelFunc),
		runCtx:    runCtx,
		stop:      stop,
	}
}

// Build creates the orchestrator together with its consensus engine,
// wiring the fire callback.
func Build(st *store.Store, reg *registry.Registry, router *routing.Engine,
	transport agents.Transport, provider agents.ContextProvider,
	bus *events.Bus, strategies *consensus.StrategyRegistry, params consensus.Params,
	cfg Config, logger *zap.Logger) *Orchestrator {
	o := New(st, reg, router, transport, provider, bus, cfg, logger)
	o.consensus = consensus.NewEngine(strategies, params, o.onConsensusFire, logger)
	return o
}

// Consensus exposes the engine, mainly for tests
func (o *Orchestrator) Consensus() *consensus.Engine { return o.consensus }

// Close stops background dispatches and waits for them
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// CreateTaskRequest carries the parameters of the task-creation tools
type CreateTaskRequest struct {
	Title       string
	Description string
	Type        tasks.Type
	Complexity  int
	Risk        int
	Role        tasks.WorkflowRole
	CreatedBy   string
	ParentID    string
	Directives  routing.Directives
}

// CreateTaskResult is returned to the tool caller
type CreateTaskResult struct {
	TaskID       string                `json:"taskId"`
	Status       tasks.Status          `json:"status"`
	Routing      tasks.RoutingStrategy `json:"routing"`
	Reason       string                `json:"reason"`
	Assignees    []string              `json:"participantAgentIds"`
	PrimaryAgent string                `json:"primaryAgentId,omitempty"`
}

// CreateTask runs the full creation flow: route, persist, assign, and
// start execution for the chosen strategy.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (*CreateTaskResult, error) {
	t := tasks.NewTask(req.Title, req.Description, req.Type, req.Complexity, req.Risk, req.CreatedBy)
	if req.Role != "" {
		t.Role = req.Role
	}
	t.ParentID = req.ParentID
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}

	id, err := o.store.CreateTask(t)
	if err != nil {
		return nil, err
	}
	o.publish(events.NewEvent(events.EventTaskCreated, id, req.CreatedBy, map[string]interface{}{
		"title": t.Title,
		"type":  string(t.Type),
	}))

	decision, err := o.router.Route(t, req.Directives)
	if err != nil {
		// The task record stays behind as the audit trail: FAILED with
		// the routing reason as its summary.
		o.failTask(id, fmt.Sprintf("routing failed: %v", err))
		return nil, err
	}

	meta := map[string]string{metaRoutingReason: decision.Reason}
	if decision.EmergencyBypass {
		meta[metaEmergencyBypass] = "true"
	}
	if decision.Downgraded {
		meta[metaDowngraded] = "true"
	}
	strategy := decision.Strategy
	patch := store.StatusPatch{
		Assignees: decision.Assignees,
		Strategy:  &strategy,
		Role:      &t.Role,
		Metadata:  meta,
		ChangedBy: req.CreatedBy,
		Reason:    decision.Reason,
	}
	if err := o.store.UpdateTaskStatus(id, tasks.StatusPending, tasks.StatusAssigned, patch); err != nil {
		return nil, err
	}
	o.publish(events.NewEvent(events.EventTaskAssigned, id, req.CreatedBy, map[string]interface{}{
		"assignees": decision.Assignees,
		"strategy":  string(decision.Strategy),
	}))

	status, err := o.begin(id, decision)
	if err != nil {
		return nil, err
	}

	res := &CreateTaskResult{
		TaskID:    id,
		Status:    status,
		Routing:   decision.Strategy,
		Reason:    decision.Reason,
		Assignees: decision.Assignees,
	}
	if len(decision.Assignees) > 0 {
		res.PrimaryAgent = decision.Assignees[0]
	}
	return res, nil
}

// begin moves an ASSIGNED task into execution for its strategy
func (o *Orchestrator) begin(taskID string, d *routing.Decision) (tasks.Status, error) {
	switch d.Strategy {
	case tasks.RouteConsensus, tasks.RouteParallel:
		err := o.store.UpdateTaskStatus(taskID, tasks.StatusAssigned, tasks.StatusWaitingInput, store.StatusPatch{
			Reason: "awaiting proposals",
		})
		if err != nil {
			return "", err
		}
		o.consensus.Register(o.runCtx, taskID, d.Assignees, o.cfg.RoundTimeout, 1)
		o.notifyAssignees(taskID, d.Assignees, "A new task awaits your proposal.")
		return tasks.StatusWaitingInput, nil

	default:
		// SOLO, ADAPTIVE, ASSIGN, SEQUENTIAL, REVIEW: one agent works
		// at a time, starting with the first assignee.
		err := o.store.UpdateTaskStatus(taskID, tasks.StatusAssigned, tasks.StatusInProgress, store.StatusPatch{
			Metadata: map[string]string{metaStage: "0"},
			Reason:   "dispatched to " + d.Assignees[0],
		})
		if err != nil {
			return "", err
		}
		o.dispatch(taskID, d.Assignees[0])
		return tasks.StatusInProgress, nil
	}
}

// dispatch delivers work to one agent on a background goroutine with
// retries. Exhausted retries fail the task.
func (o *Orchestrator) dispatch(taskID, agentID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.callAgent(taskID, agentID); err != nil {
			o.failTask(taskID, fmt.Sprintf("dispatch to %s failed: %v", agentID, err))
		}
	}()
}

// callAgent performs the transport call with back-off on transient errors
func (o *Orchestrator) callAgent(taskID, agentID string) error {
	t, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	prompt := o.buildPrompt(t)

	callCtx, cancel := context.WithCancel(o.runCtx)
	o.setCallStop(taskID, cancel)
	defer o.clearCallStop(taskID, cancel)

	backoff := o.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-callCtx.Done():
				return callCtx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, done := context.WithTimeout(callCtx, o.cfg.SoloTimeout)
		start := time.Now()
		_, lastErr = o.transport.Call(attemptCtx, agentID, prompt)
		done()

		if lastErr == nil {
			o.registry.RecordLatency(agentID, float64(time.Since(start).Milliseconds()))
			return nil
		}
		if callCtx.Err() != nil {
			return callCtx.Err()
		}
		if !agents.IsTransient(lastErr) {
			return lastErr
		}
		o.logger.Warn("agent call failed, retrying",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return lastErr
}

// notifyAssignees pokes consensus participants best-effort; they also
// discover the task by polling pending tasks.
func (o *Orchestrator) notifyAssignees(taskID string, assignees []string, note string) {
	t, err := o.store.GetTask(taskID)
	if err != nil {
		return
	}
	prompt := note + "\n\n" + o.buildPrompt(t)
	for _, agentID := range assignees {
		agentID := agentID
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			ctx, cancel := context.WithTimeout(o.runCtx, o.cfg.SoloTimeout)
			defer cancel()
			if _, err := o.transport.Call(ctx, agentID, prompt); err != nil {
				o.logger.Debug("assignee notification failed",
					zap.String("task_id", taskID),
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
		}()
	}
}

// buildPrompt renders the task for an agent, with retrieved context when
// the provider has any. Context failures are silently omitted.
func (o *Orchestrator) buildPrompt(t *tasks.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n\n%s\n", t.ID, t.Title, t.Description)
	fmt.Fprintf(&sb, "\nType: %s | Complexity: %d | Risk: %d | Round: %d\n", t.Type, t.Complexity, t.Risk, t.Round)

	ctx, cancel := context.WithTimeout(o.runCtx, 5*time.Second)
	defer cancel()
	snippets, err := o.provider.Query(ctx, t.Title+" "+t.Description, "", 2000)
	if err != nil {
		o.logger.Debug("context query failed", zap.String("task_id", t.ID), zap.Error(err))
		return sb.String()
	}
	if len(snippets) > 0 {
		sb.WriteString("\nRelevant context:\n")
		for _, s := range snippets {
			fmt.Fprintf(&sb, "--- %s\n%s\n", s.Path, s.Content)
		}
	}
	return sb.String()
}

// failTask moves a task to FAILED from whatever non-terminal state it is
// in, releasing any consensus expectation.
func (o *Orchestrator) failTask(taskID, reason string) {
	unlock := o.locks.lock(taskID)
	defer unlock()

	o.consensus.Release(taskID)
	t, err := o.store.GetTask(taskID)
	if err != nil {
		o.logger.Error("fail task: load", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if tasks.IsTerminal(t.Status) {
		return
	}
	err = o.store.UpdateTaskStatus(taskID, t.Status, tasks.StatusFailed, store.StatusPatch{
		ResultSummary: &reason,
		Metadata:      map[string]string{metaFailureReason: reason},
		Reason:        reason,
	})
	if err != nil {
		o.logger.Error("fail task: update", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	o.publish(events.NewEvent(events.EventTaskFailed, taskID, "", map[string]interface{}{
		"reason": reason,
	}))
}

func (o *Orchestrator) publish(e *events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

func (o *Orchestrator) setCallStop(taskID string, cancel context.CancelFunc) {
	o.callMu.Lock()
	defer o.callMu.Unlock()
	o.callStops[taskID] = cancel
}

func (o *Orchestrator) clearCallStop(taskID string, cancel context.CancelFunc) {
	o.callMu.Lock()
	defer o.callMu.Unlock()
	if o.callStops[taskID] != nil {
		delete(o.callStops, taskID)
	}
	cancel()
}

// cancelCall aborts any in-flight agent call for the task
func (o *Orchestrator) cancelCall(taskID string) {
	o.callMu.Lock()
	cancel := o.callStops[taskID]
	delete(o.callStops, taskID)
	o.callMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// keyedMutex serializes work per task ID
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*entry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
