// Package consensus collects proposals for waiting tasks and turns a
// complete (or timed-out) proposal set into a Decision via a named
// strategy. The engine tracks one expectation per waiting task; the
// orchestrator owns task state and persistence.
package consensus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/tasks"
)

// Outcome tells the orchestrator why an expectation fired
type Outcome int

const (
	// OutcomeComplete: every expected agent submitted.
	OutcomeComplete Outcome = iota
	// OutcomePartial: the deadline passed with at least one proposal.
	OutcomePartial
	// OutcomeEmpty: the deadline passed with no proposals at all.
	OutcomeEmpty
)

// FireFunc receives the collection result for a task
type FireFunc func(taskID string, outcome Outcome)

type expectation struct {
	taskID      string
	outstanding map[string]bool
	received    int
	round       int
	cancel      context.CancelFunc
}

// Engine tracks proposal expectations with per-task deadline timers
type Engine struct {
	mu           sync.Mutex
	expectations map[string]*expectation
	params       Params
	strategies   *StrategyRegistry
	fire         FireFunc
	logger       *zap.Logger
}

// NewEngine creates the engine. fire is invoked on a fresh goroutine,
// never while the engine lock is held.
func NewEngine(strategies *StrategyRegistry, params Params, fire FireFunc, logger *zap.Logger) *Engine {
	params.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		expectations: make(map[string]*expectation),
		params:       params,
		strategies:   strategies,
		fire:         fire,
		logger:       logger,
	}
}

// Register starts collecting proposals for a task. Replaces any prior
// expectation for the same task (refinement rounds reuse the task ID).
func (e *Engine) Register(ctx context.Context, taskID string, expectedAgents []string, deadline time.Duration, round int) {
	timerCtx, cancel := context.WithCancel(ctx)

	outstanding := make(map[string]bool, len(expectedAgents))
	for _, id := range expectedAgents {
		outstanding[id] = true
	}

	e.mu.Lock()
	if prev, ok := e.expectations[taskID]; ok {
		prev.cancel()
	}
	exp := &expectation{
		taskID:      taskID,
		outstanding: outstanding,
		round:       round,
		cancel:      cancel,
	}
	e.expectations[taskID] = exp
	e.mu.Unlock()

	e.logger.Debug("expectation registered",
		zap.String("task_id", taskID),
		zap.Strings("agents", expectedAgents),
		zap.Duration("deadline", deadline),
		zap.Int("round", round))

	go e.await(timerCtx, taskID, deadline)
}

// await fires the expectation when its deadline elapses
func (e *Engine) await(ctx context.Context, taskID string, deadline time.Duration) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	e.mu.Lock()
	exp, ok := e.expectations[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.expectations, taskID)
	received := exp.received
	e.mu.Unlock()

	if received > 0 {
		e.logger.Info("consensus deadline with partial proposals",
			zap.String("task_id", taskID),
			zap.Int("received", received))
		e.fire(taskID, OutcomePartial)
		return
	}
	e.logger.Warn("consensus deadline with no proposals", zap.String("task_id", taskID))
	e.fire(taskID, OutcomeEmpty)
}

// OnProposal records a submission. When the last outstanding agent
// submits, the expectation fires with OutcomeComplete.
func (e *Engine) OnProposal(taskID, agentID string) {
	e.mu.Lock()
	exp, ok := e.expectations[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if exp.outstanding[agentID] {
		delete(exp.outstanding, agentID)
		exp.received++
	}
	done := len(exp.outstanding) == 0
	if done {
		delete(e.expectations, taskID)
		exp.cancel()
	}
	e.mu.Unlock()

	if done {
		go e.fire(taskID, OutcomeComplete)
	}
}

// Expand adds agents to an existing expectation (adaptive upgrade)
func (e *Engine) Expand(taskID string, agents []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.expectations[taskID]
	if !ok {
		return
	}
	for _, id := range agents {
		exp.outstanding[id] = true
	}
}

// Release drops the expectation without firing (cancellation path)
func (e *Engine) Release(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exp, ok := e.expectations[taskID]; ok {
		exp.cancel()
		delete(e.expectations, taskID)
	}
}

// Waiting reports whether a task has an open expectation
func (e *Engine) Waiting(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.expectations[taskID]
	return ok
}

// Evaluate runs the named strategy over the proposal set and stamps the
// token economics: total tokens spent and tokens saved versus the
// worst case of every expected agent producing the largest proposal.
func (e *Engine) Evaluate(strategyName string, proposals []*tasks.Proposal, expectedAgents int, partial bool) (*tasks.Decision, error) {
	strategy, err := e.strategies.Get(strategyName)
	if err != nil {
		return nil, err
	}
	d, err := strategy(e.params, proposals)
	if err != nil {
		return nil, err
	}
	d.Partial = partial

	total, largest := 0, 0
	for _, p := range proposals {
		t := p.TotalTokens()
		total += t
		if t > largest {
			largest = t
		}
	}
	d.TotalTokens = total
	if expectedAgents < len(proposals) {
		expectedAgents = len(proposals)
	}
	saved := expectedAgents*largest - total
	if saved < 0 {
		saved = 0
	}
	d.TokensSaved = saved
	return d, nil
}
