// internal/tasks/proposal.go
package tasks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// InputType classifies the kind of response an agent submitted
type InputType string

const (
	InputArchitecturalPlan InputType = "ARCHITECTURAL_PLAN"
	InputCodeReview        InputType = "CODE_REVIEW"
	InputResearchSummary   InputType = "RESEARCH_SUMMARY"
	InputInitialSolution   InputType = "INITIAL_SOLUTION"
	InputRefinement        InputType = "REFINEMENT"
	InputVote              InputType = "VOTE"
)

// Proposal is an agent's response to a task, immutable after submission.
// A revision is a new proposal linked via RevisionOf; the old one is
// marked superseded so at most one active proposal exists per (task, agent).
type Proposal struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	InputType   InputType `json:"input_type"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Confidence  float64   `json:"confidence"` // [0,1]
	TokensIn    int       `json:"tokens_in"`
	TokensOut   int       `json:"tokens_out"`
	RevisionOf  string    `json:"revision_of,omitempty"`
	Superseded  bool      `json:"superseded"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewProposal builds a proposal for the given task and agent.
// Token counts default to the 4-chars-per-token heuristic when zero.
func NewProposal(taskID, agentID string, inputType InputType, content string, confidence float64) *Proposal {
	return &Proposal{
		TaskID:      taskID,
		AgentID:     agentID,
		InputType:   inputType,
		Content:     content,
		ContentHash: HashContent(content),
		Confidence:  confidence,
		TokensOut:   EstimateTokens(content),
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks proposal bounds before persistence
func (p *Proposal) Validate() error {
	if p.TaskID == "" || p.AgentID == "" {
		return fmt.Errorf("task_id and agent_id are required")
	}
	if p.Content == "" {
		return fmt.Errorf("content is required")
	}
	if len(p.Content) > MaxProposalContent {
		return fmt.Errorf("content exceeds %d bytes", MaxProposalContent)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %g", p.Confidence)
	}
	return nil
}

// TotalTokens is the proposal's combined token estimate
func (p *Proposal) TotalTokens() int {
	return p.TokensIn + p.TokensOut
}

// HashContent returns the hex SHA-256 of a proposal body.
// Used for idempotent submission and VOTING choice grouping.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates token count as len/4
func EstimateTokens(content string) int {
	return len(content) / 4
}

// Decision is the write-once record of how a task concluded
type Decision struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Strategy    string    `json:"strategy"`
	Consensus   bool      `json:"consensus"`
	WinnerID    string    `json:"winner_id,omitempty"`
	RunnerUps   []string  `json:"runner_ups,omitempty"`
	Content     string    `json:"content,omitempty"`
	Confidence  float64   `json:"confidence"`
	TotalTokens int       `json:"total_tokens"`
	TokensSaved int       `json:"tokens_saved"`
	Partial     bool      `json:"partial"`
	Rationale   string    `json:"rationale,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// Validate checks decision invariants before persistence
func (d *Decision) Validate() error {
	if d.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if d.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %g", d.Confidence)
	}
	if d.TokensSaved < 0 {
		return fmt.Errorf("tokens_saved must be >= 0, got %d", d.TokensSaved)
	}
	return nil
}
