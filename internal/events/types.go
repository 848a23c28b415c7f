// internal/events/types.go
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic names a stream of related domain events
type Topic string

const (
	TopicTasks     Topic = "tasks"
	TopicProposals Topic = "proposals"
	TopicDecisions Topic = "decisions"
	TopicAgents    Topic = "agents"
	TopicMetrics   Topic = "metrics"
	TopicAll       Topic = "*"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskCreated        EventType = "task_created"
	EventTaskStatusChanged  EventType = "task_status_changed"
	EventTaskAssigned       EventType = "task_assigned"
	EventProposalSubmitted  EventType = "proposal_submitted"
	EventConsensusReached   EventType = "consensus_reached"
	EventDecisionMade       EventType = "decision_made"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventAgentStatusChanged EventType = "agent_status_changed"
	EventMetricRecorded     EventType = "metric_recorded"
)

// Event is a domain event published on the bus. Events are values;
// the Seq field is assigned by the bus at publish time and is strictly
// monotonic per bus instance.
type Event struct {
	Seq       uint64                 `json:"seq"`
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Topic     Topic                  `json:"topic"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates an event with a generated ID. Seq is zero until published.
func NewEvent(eventType EventType, taskID, agentID string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Topic:     TopicFor(eventType),
		TaskID:    taskID,
		AgentID:   agentID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// TopicFor maps an event type to its home topic
func TopicFor(t EventType) Topic {
	switch t {
	case EventTaskCreated, EventTaskStatusChanged, EventTaskAssigned,
		EventTaskCompleted, EventTaskFailed:
		return TopicTasks
	case EventProposalSubmitted:
		return TopicProposals
	case EventConsensusReached, EventDecisionMade:
		return TopicDecisions
	case EventAgentStatusChanged:
		return TopicAgents
	case EventMetricRecorded:
		return TopicMetrics
	default:
		return TopicAll
	}
}

// ValidTopic reports whether s names a subscribable topic
func ValidTopic(s string) bool {
	switch Topic(s) {
	case TopicTasks, TopicProposals, TopicDecisions, TopicAgents, TopicMetrics, TopicAll:
		return true
	}
	return false
}
