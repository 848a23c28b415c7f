package orchestrator

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/consensus"
	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/tasks"
)

// SubmitInput records an agent's proposal for a task. Identical content
// resubmission returns the existing proposal ID. Depending on the task's
// strategy, the submission may advance a sequential stage, trigger an
// adaptive upgrade, or complete the task.
func (o *Orchestrator) SubmitInput(taskID, agentID string, inputType tasks.InputType, content string, confidence float64) (string, error) {
	unlock := o.locks.lock(taskID)
	defer unlock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if tasks.IsTerminal(t.Status) {
		return "", fmt.Errorf("%w: task %s is %s", store.ErrConflict, taskID, t.Status)
	}
	if !t.IsAssignee(agentID) {
		return "", fmt.Errorf("%w: agent %s is not assigned to task %s", ErrUnauthorized, agentID, taskID)
	}
	if t.Status != tasks.StatusInProgress && t.Status != tasks.StatusWaitingInput {
		return "", fmt.Errorf("%w: task %s is %s, not accepting input", store.ErrConflict, taskID, t.Status)
	}
	if t.Status == tasks.StatusInProgress && (t.Strategy == tasks.RouteSequential || t.Strategy == tasks.RouteReview) {
		// Staged flows accept input only from the agent holding the
		// current stage; later assignees wait their turn.
		stage, _ := strconv.Atoi(t.Metadata[metaStage])
		if stage < len(t.Assignees) && t.Assignees[stage] != agentID {
			return "", fmt.Errorf("%w: task %s is at stage %d, waiting on %s", store.ErrConflict, taskID, stage+1, t.Assignees[stage])
		}
	}

	p := tasks.NewProposal(taskID, agentID, inputType, content, confidence)
	id, err := o.store.PutProposal(p)
	if err != nil {
		return "", err
	}
	o.publish(events.NewEvent(events.EventProposalSubmitted, taskID, agentID, map[string]interface{}{
		"proposal_id": id,
		"confidence":  confidence,
	}))

	if t.Status == tasks.StatusWaitingInput {
		// Collection path: the consensus engine decides when the set
		// is complete.
		o.consensus.OnProposal(taskID, agentID)
		return id, nil
	}

	// IN_PROGRESS path: solo, adaptive, or a sequential stage.
	switch t.Strategy {
	case tasks.RouteAdaptive:
		if confidence < o.cfg.UpgradeThreshold {
			if o.upgradeToConsensus(t, agentID) {
				return id, nil
			}
		}
		o.completeSolo(t, p, id)
	case tasks.RouteSequential, tasks.RouteReview:
		o.advanceStage(t, p, id)
	default:
		o.completeSolo(t, p, id)
	}
	return id, nil
}

// upgradeToConsensus converts an adaptive task to CONSENSUS after a
// low-confidence first proposal. Agents that already submitted keep
// their proposals; only new agents are added. Returns false when no
// additional agent is available.
func (o *Orchestrator) upgradeToConsensus(t *tasks.Task, submitted string) bool {
	added := o.router.AdditionalConsensusAgents(t, t.Assignees)
	if len(added) == 0 {
		return false
	}

	strategy := tasks.RouteConsensus
	assignees := append(append([]string{}, t.Assignees...), added...)
	err := o.store.UpdateTaskStatus(t.ID, tasks.StatusInProgress, tasks.StatusWaitingInput, store.StatusPatch{
		Assignees: assignees,
		Strategy:  &strategy,
		Reason:    "adaptive upgrade: low-confidence first proposal",
	})
	if err != nil {
		o.logger.Error("adaptive upgrade failed", zap.String("task_id", t.ID), zap.Error(err))
		return false
	}

	o.consensus.Register(o.runCtx, t.ID, added, o.cfg.RoundTimeout, t.Round+1)
	o.publish(events.NewEvent(events.EventTaskStatusChanged, t.ID, submitted, map[string]interface{}{
		"old":      string(tasks.StatusInProgress),
		"new":      string(tasks.StatusWaitingInput),
		"strategy": string(tasks.RouteConsensus),
		"added":    added,
	}))
	o.notifyAssignees(t.ID, added, "A task was escalated to consensus; submit your proposal.")

	o.logger.Info("adaptive task upgraded to consensus",
		zap.String("task_id", t.ID),
		zap.Strings("added", added))
	return true
}

// completeSolo finishes a single-agent task with a SOLO decision around
// the submitted proposal.
func (o *Orchestrator) completeSolo(t *tasks.Task, p *tasks.Proposal, proposalID string) {
	d := &tasks.Decision{
		TaskID:     t.ID,
		Strategy:   consensus.StrategySolo,
		Consensus:  true,
		WinnerID:   proposalID,
		Content:    p.Content,
		Confidence: p.Confidence,
		Rationale:  fmt.Sprintf("single-agent execution by %s", p.AgentID),
	}
	if t.Metadata[metaEmergencyBypass] == "true" {
		d.Rationale += " (emergency consensus bypass)"
	}
	d.TotalTokens = p.TotalTokens()

	o.finalize(t, tasks.StatusInProgress, d, p.AgentID)
}

// advanceStage moves a sequential or review task to its next assignee,
// or completes it when the last stage submitted.
func (o *Orchestrator) advanceStage(t *tasks.Task, p *tasks.Proposal, proposalID string) {
	stage, _ := strconv.Atoi(t.Metadata[metaStage])
	next := stage + 1
	if next >= len(t.Assignees) {
		// Final stage: the last proposal carries the outcome.
		d := &tasks.Decision{
			TaskID:     t.ID,
			Strategy:   string(t.Strategy),
			Consensus:  true,
			WinnerID:   proposalID,
			Content:    p.Content,
			Confidence: p.Confidence,
			Rationale:  fmt.Sprintf("final stage %d of %d by %s", stage+1, len(t.Assignees), p.AgentID),
		}
		d.TotalTokens = p.TotalTokens()
		o.finalize(t, tasks.StatusInProgress, d, p.AgentID)
		return
	}

	nextAgent := t.Assignees[next]
	err := o.store.UpdateTaskStatus(t.ID, tasks.StatusInProgress, tasks.StatusWaitingInput, store.StatusPatch{
		Metadata:  map[string]string{metaStage: strconv.Itoa(next)},
		ChangedBy: p.AgentID,
		Reason:    fmt.Sprintf("stage %d done, handing to %s", stage+1, nextAgent),
	})
	if err != nil {
		o.logger.Error("stage advance failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	// Back to IN_PROGRESS under the next agent.
	err = o.store.UpdateTaskStatus(t.ID, tasks.StatusWaitingInput, tasks.StatusInProgress, store.StatusPatch{
		Reason: "dispatched to " + nextAgent,
	})
	if err != nil {
		o.logger.Error("stage dispatch failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	o.publish(events.NewEvent(events.EventTaskStatusChanged, t.ID, p.AgentID, map[string]interface{}{
		"old":   string(tasks.StatusInProgress),
		"new":   string(tasks.StatusInProgress),
		"stage": next,
	}))
	o.dispatch(t.ID, nextAgent)
}

// finalize writes the decision and completes the task atomically, then
// publishes the completion events. from is the status the task holds
// before moving through DECIDING.
func (o *Orchestrator) finalize(t *tasks.Task, from tasks.Status, d *tasks.Decision, changedBy string) {
	err := o.store.UpdateTaskStatus(t.ID, from, tasks.StatusDeciding, store.StatusPatch{
		ChangedBy: changedBy,
		Reason:    "evaluating decision",
	})
	if err != nil {
		o.logger.Error("move to deciding failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	summary := d.Content
	if len(summary) > 512 {
		summary = summary[:512]
	}
	err = o.store.CompleteTaskWithDecision(t.ID, tasks.StatusDeciding, d, store.StatusPatch{
		ResultSummary: &summary,
		ChangedBy:     changedBy,
		Reason:        fmt.Sprintf("decision by %s", d.Strategy),
	})
	if err != nil {
		// Task stays DECIDING; a later complete_task or retry resolves it.
		o.logger.Error("decision write failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	if d.Consensus {
		o.publish(events.NewEvent(events.EventConsensusReached, t.ID, "", map[string]interface{}{
			"strategy":   d.Strategy,
			"confidence": d.Confidence,
		}))
	}
	o.publish(events.NewEvent(events.EventDecisionMade, t.ID, "", map[string]interface{}{
		"decision_id": d.ID,
		"strategy":    d.Strategy,
		"winner_id":   d.WinnerID,
		"partial":     d.Partial,
	}))
	o.publish(events.NewEvent(events.EventTaskCompleted, t.ID, "", map[string]interface{}{
		"tokens_saved": d.TokensSaved,
	}))
	o.logger.Info("task completed",
		zap.String("task_id", t.ID),
		zap.String("strategy", d.Strategy),
		zap.Bool("consensus", d.Consensus),
		zap.Bool("partial", d.Partial))
}
