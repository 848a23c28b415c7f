// internal/tasks/types.go
package tasks

import (
	"fmt"
	"time"
)

// Status represents the current state of a task
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusAssigned     Status = "ASSIGNED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusWaitingInput Status = "WAITING_INPUT"
	StatusDeciding     Status = "DECIDING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

// Type classifies the kind of work a task represents
type Type string

const (
	TypeImplementation Type = "IMPLEMENTATION"
	TypeArchitecture   Type = "ARCHITECTURE"
	TypeReview         Type = "REVIEW"
	TypeResearch       Type = "RESEARCH"
	TypeBugfix         Type = "BUGFIX"
	TypeDocumentation  Type = "DOCUMENTATION"
	TypeRefactoring    Type = "REFACTORING"
	TypeTesting        Type = "TESTING"
)

// RoutingStrategy identifies the execution pattern chosen for a task
type RoutingStrategy string

const (
	RouteSolo       RoutingStrategy = "SOLO"
	RouteSequential RoutingStrategy = "SEQUENTIAL"
	RouteParallel   RoutingStrategy = "PARALLEL"
	RouteReview     RoutingStrategy = "REVIEW"
	RouteConsensus  RoutingStrategy = "CONSENSUS"
	RouteAdaptive   RoutingStrategy = "ADAPTIVE"
	RouteAssign     RoutingStrategy = "ASSIGN"
)

// WorkflowRole describes where the task sits in a multi-stage workflow
type WorkflowRole string

const (
	RoleExecution  WorkflowRole = "EXECUTION"
	RoleReview     WorkflowRole = "REVIEW"
	RoleFollowUp   WorkflowRole = "FOLLOW_UP"
	RoleEscalation WorkflowRole = "ESCALATION"
)

// MaxProposalContent caps the size of a proposal body
const MaxProposalContent = 100 * 1024

// Task represents a unit of work requested by an agent
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Type          Type              `json:"type"`
	Complexity    int               `json:"complexity"` // 1-10
	Risk          int               `json:"risk"`       // 1-10
	Strategy      RoutingStrategy   `json:"strategy,omitempty"`
	CreatedBy     string            `json:"created_by"`
	Assignees     []string          `json:"assignees,omitempty"`
	Status        Status            `json:"status"`
	Role          WorkflowRole      `json:"role"`
	Round         int               `json:"round"`
	ParentID      string            `json:"parent_id,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	DueAt         *time.Time        `json:"due_at,omitempty"`
}

// validTransitions defines allowed status transitions
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusAssigned},
	StatusAssigned:     {StatusInProgress, StatusWaitingInput},
	StatusInProgress:   {StatusWaitingInput, StatusDeciding},
	StatusWaitingInput: {StatusInProgress, StatusDeciding},
	StatusDeciding:     {StatusCompleted},
}

// NewTask creates a task with a generated ID and PENDING status.
// The ID is assigned by the store if left empty; callers normally leave it.
func NewTask(title, description string, taskType Type, complexity, risk int, createdBy string) *Task {
	now := time.Now().UTC()
	return &Task{
		Title:       title,
		Description: description,
		Type:        taskType,
		Complexity:  complexity,
		Risk:        risk,
		CreatedBy:   createdBy,
		Status:      StatusPending,
		Role:        RoleExecution,
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks that the task has valid field values
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if t.Complexity < 1 || t.Complexity > 10 {
		return fmt.Errorf("complexity must be between 1 and 10, got %d", t.Complexity)
	}
	if t.Risk < 1 || t.Risk > 10 {
		return fmt.Errorf("risk must be between 1 and 10, got %d", t.Risk)
	}
	if !ValidType(t.Type) {
		return fmt.Errorf("unknown task type: %s", t.Type)
	}
	return nil
}

// CanTransition reports whether a move from one status to another is legal.
// Any non-terminal status may move to FAILED or CANCELLED.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return !IsTerminal(from)
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsAssignee reports whether the given agent is assigned to the task
func (t *Task) IsAssignee(agentID string) bool {
	for _, a := range t.Assignees {
		if a == agentID {
			return true
		}
	}
	return false
}

// ValidType reports whether t is a known task type
func ValidType(t Type) bool {
	switch t {
	case TypeImplementation, TypeArchitecture, TypeReview, TypeResearch,
		TypeBugfix, TypeDocumentation, TypeRefactoring, TypeTesting:
		return true
	}
	return false
}

// AllStatuses returns the full status vocabulary
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusAssigned, StatusInProgress, StatusWaitingInput,
		StatusDeciding, StatusCompleted, StatusFailed, StatusCancelled,
	}
}
