package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/consensus"
	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/tasks"
)

// onConsensusFire is the consensus engine callback: the proposal set for
// a waiting task is complete, timed out, or empty.
func (o *Orchestrator) onConsensusFire(taskID string, outcome consensus.Outcome) {
	if outcome == consensus.OutcomeEmpty {
		o.failTask(taskID, "NoProposals: consensus deadline passed with no proposals")
		return
	}

	unlock := o.locks.lock(taskID)
	defer unlock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		o.logger.Error("consensus fire: load task", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if t.Status != tasks.StatusWaitingInput {
		// Cancelled or manually completed while the timer was in flight.
		return
	}

	proposals, err := o.store.ActiveProposals(taskID)
	if err != nil || len(proposals) == 0 {
		o.failTask(taskID, "consensus evaluation: no active proposals")
		return
	}

	strategyName := t.Metadata[metaStrategyName]
	if strategyName == "" {
		strategyName = o.cfg.DefaultStrategy
	}
	partial := outcome == consensus.OutcomePartial
	d, err := o.consensus.Evaluate(strategyName, proposals, len(t.Assignees), partial)
	if err != nil {
		o.failTask(taskID, fmt.Sprintf("consensus evaluation failed: %v", err))
		return
	}

	// A timed-out round completes with what arrived. A full round that
	// reached no agreement gets refinement rounds, then escalation.
	if d.Consensus || partial {
		o.finalize(t, tasks.StatusWaitingInput, d, "")
		return
	}
	if t.Round+1 < o.cfg.MaxRounds {
		o.refine(t)
		return
	}
	o.escalate(t)
}

// refine reopens proposal collection with an incremented round counter.
// Existing proposals stay; agents submit revisions which supersede them.
func (o *Orchestrator) refine(t *tasks.Task) {
	round := t.Round + 1
	err := o.store.UpdateTaskStatus(t.ID, tasks.StatusWaitingInput, tasks.StatusInProgress, store.StatusPatch{
		Round:  &round,
		Reason: fmt.Sprintf("no consensus, refinement round %d", round),
	})
	if err != nil {
		o.logger.Error("refinement reopen failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	err = o.store.UpdateTaskStatus(t.ID, tasks.StatusInProgress, tasks.StatusWaitingInput, store.StatusPatch{
		Reason: "awaiting refined proposals",
	})
	if err != nil {
		o.logger.Error("refinement reopen failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	o.consensus.Register(o.runCtx, t.ID, t.Assignees, o.cfg.RoundTimeout, round)
	o.publish(events.NewEvent(events.EventTaskStatusChanged, t.ID, "", map[string]interface{}{
		"old":   string(tasks.StatusWaitingInput),
		"new":   string(tasks.StatusWaitingInput),
		"round": round,
	}))
	o.notifyAssignees(t.ID, t.Assignees,
		fmt.Sprintf("No consensus was reached; refine your proposal (round %d).", round))
	o.logger.Info("refinement round opened",
		zap.String("task_id", t.ID),
		zap.Int("round", round))
}

// escalate parks the task for a human decision via complete_task
func (o *Orchestrator) escalate(t *tasks.Task) {
	role := tasks.RoleEscalation
	err := o.store.UpdateTaskStatus(t.ID, tasks.StatusWaitingInput, tasks.StatusInProgress, store.StatusPatch{
		Role:   &role,
		Reason: "refinement rounds exhausted, escalating",
	})
	if err != nil {
		o.logger.Error("escalation failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	err = o.store.UpdateTaskStatus(t.ID, tasks.StatusInProgress, tasks.StatusWaitingInput, store.StatusPatch{
		Reason: "awaiting manual decision",
	})
	if err != nil {
		o.logger.Error("escalation failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	o.publish(events.NewEvent(events.EventTaskStatusChanged, t.ID, "", map[string]interface{}{
		"old":  string(tasks.StatusWaitingInput),
		"new":  string(tasks.StatusWaitingInput),
		"role": string(tasks.RoleEscalation),
	}))
	o.logger.Warn("task escalated for manual decision", zap.String("task_id", t.ID))
}

// ManualDecision carries the creator's explicit completion verdict
type ManualDecision struct {
	Considered    []string `json:"considered,omitempty"`
	Selected      string   `json:"selected,omitempty"`
	AgreementRate float64  `json:"agreementRate"`
	Rationale     string   `json:"rationale,omitempty"`
}

// CompleteTask is the creator-only explicit completion path. Idempotent
// on already-terminal tasks: returns the current status without error.
func (o *Orchestrator) CompleteTask(taskID, callerID, resultSummary string, md ManualDecision) (tasks.Status, error) {
	unlock := o.locks.lock(taskID)
	defer unlock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if tasks.IsTerminal(t.Status) {
		return t.Status, nil
	}
	if callerID != t.CreatedBy {
		return "", fmt.Errorf("%w: only creator %s may complete task %s", ErrUnauthorized, t.CreatedBy, taskID)
	}

	o.consensus.Release(taskID)
	o.cancelCall(taskID)

	d := &tasks.Decision{
		TaskID:     taskID,
		Strategy:   "MANUAL",
		Consensus:  true,
		WinnerID:   md.Selected,
		Content:    resultSummary,
		Confidence: clamp01(md.AgreementRate),
		Rationale:  md.Rationale,
	}
	for _, ref := range md.Considered {
		if ref != md.Selected {
			d.RunnerUps = append(d.RunnerUps, ref)
		}
	}

	// Walk legal transitions to DECIDING, then complete atomically.
	status := t.Status
	for status != tasks.StatusDeciding {
		next := nextTowardCompletion(status)
		err := o.store.UpdateTaskStatus(taskID, status, next, store.StatusPatch{
			ChangedBy: callerID,
			Reason:    "manual completion",
		})
		if err != nil {
			return "", err
		}
		status = next
	}

	err = o.store.CompleteTaskWithDecision(taskID, tasks.StatusDeciding, d, store.StatusPatch{
		ResultSummary: &resultSummary,
		ChangedBy:     callerID,
		Reason:        "completed by creator",
	})
	if err != nil {
		return "", err
	}

	o.publish(events.NewEvent(events.EventDecisionMade, taskID, callerID, map[string]interface{}{
		"decision_id": d.ID,
		"strategy":    d.Strategy,
	}))
	o.publish(events.NewEvent(events.EventTaskCompleted, taskID, callerID, nil))
	return tasks.StatusCompleted, nil
}

// nextTowardCompletion gives the next legal step from a non-terminal
// status toward DECIDING.
func nextTowardCompletion(s tasks.Status) tasks.Status {
	switch s {
	case tasks.StatusPending:
		return tasks.StatusAssigned
	case tasks.StatusAssigned:
		return tasks.StatusInProgress
	default:
		return tasks.StatusDeciding
	}
}

// CancelTask moves a non-terminal task to CANCELLED, releasing its
// consensus expectation and aborting in-flight agent calls. Cancelling
// an already-terminal task returns its current status without error.
func (o *Orchestrator) CancelTask(taskID, callerID, reason string) (tasks.Status, error) {
	unlock := o.locks.lock(taskID)
	defer unlock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if tasks.IsTerminal(t.Status) {
		return t.Status, nil
	}

	o.consensus.Release(taskID)
	o.cancelCall(taskID)

	if reason == "" {
		reason = "cancelled"
	}
	err = o.store.UpdateTaskStatus(taskID, t.Status, tasks.StatusCancelled, store.StatusPatch{
		ChangedBy: callerID,
		Reason:    reason,
	})
	if err != nil {
		return "", err
	}
	o.publish(events.NewEvent(events.EventTaskFailed, taskID, callerID, map[string]interface{}{
		"reason": "cancelled: " + reason,
	}))
	return tasks.StatusCancelled, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
