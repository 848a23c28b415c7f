package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/agents"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/tasks"
)

// Provider exposes the context retrieval service for tool forwarding
func (o *Orchestrator) Provider() agents.ContextProvider { return o.provider }

// Store exposes read access for the dashboard API
func (o *Orchestrator) Store() *store.Store { return o.store }

// GetPendingTasks returns tasks awaiting the agent's input. With an
// empty agent ID, all non-terminal tasks are returned.
func (o *Orchestrator) GetPendingTasks(agentID string) ([]*tasks.Task, error) {
	if agentID != "" {
		return o.store.GetPendingFor(agentID)
	}
	var out []*tasks.Task
	for _, status := range []tasks.Status{
		tasks.StatusPending, tasks.StatusAssigned,
		tasks.StatusInProgress, tasks.StatusWaitingInput, tasks.StatusDeciding,
	} {
		list, _, err := o.store.ListTasks(store.TaskFilter{Status: status})
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}

// GetTaskStatus returns a task snapshot
func (o *Orchestrator) GetTaskStatus(taskID string) (*tasks.Task, error) {
	return o.store.GetTask(taskID)
}

// TaskDetail bundles everything an agent needs to resume work on a task
type TaskDetail struct {
	Task      *tasks.Task          `json:"task"`
	Proposals []*tasks.Proposal    `json:"proposals"`
	History   []store.HistoryEntry `json:"history"`
	Decision  *tasks.Decision      `json:"decision,omitempty"`
}

// ContinueTask returns the task with its proposals and transition history
func (o *Orchestrator) ContinueTask(taskID string) (*TaskDetail, error) {
	t, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	proposals, err := o.store.ListProposals(taskID)
	if err != nil {
		return nil, err
	}
	history, err := o.store.GetHistory(taskID)
	if err != nil {
		return nil, err
	}
	detail := &TaskDetail{Task: t, Proposals: proposals, History: history}

	d, err := o.store.GetDecision(taskID)
	switch {
	case err == nil:
		detail.Decision = d
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return detail, nil
}

// RespondResult is the respond_to_task payload: retrieved context plus
// the submission confirmation.
type RespondResult struct {
	ProposalID string           `json:"proposalId"`
	Status     tasks.Status     `json:"status"`
	Context    []agents.Snippet `json:"context,omitempty"`
}

// RespondToTask submits the agent's response and returns a context
// bundle for the task. Context retrieval failure is non-fatal.
func (o *Orchestrator) RespondToTask(ctx context.Context, taskID, agentID string, inputType tasks.InputType, content string, confidence float64, maxTokens int) (*RespondResult, error) {
	proposalID, err := o.SubmitInput(taskID, agentID, inputType, content, confidence)
	if err != nil {
		return nil, err
	}

	t, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	res := &RespondResult{ProposalID: proposalID, Status: t.Status}

	if maxTokens <= 0 {
		maxTokens = 2000
	}
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snippets, err := o.provider.Query(queryCtx, t.Title+" "+t.Description, "", maxTokens)
	if err != nil {
		o.logger.Debug("context bundle query failed",
			zap.String("task_id", taskID),
			zap.Error(err))
		return res, nil
	}
	res.Context = snippets
	return res, nil
}
