// Package metrics aggregates domain events into counters and persists
// selected series to the store for dashboard queries.
package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/store"
)

// Snapshot is a point-in-time view of the aggregated counters
type Snapshot struct {
	UptimeSeconds   float64           `json:"uptimeSeconds"`
	EventCounts     map[string]uint64 `json:"eventCounts"`
	TasksCreated    uint64            `json:"tasksCreated"`
	TasksCompleted  uint64            `json:"tasksCompleted"`
	TasksFailed     uint64            `json:"tasksFailed"`
	Proposals       uint64            `json:"proposals"`
	Decisions       uint64            `json:"decisions"`
	ConsensusRounds uint64            `json:"consensusRounds"`
	TokensSaved     float64           `json:"tokensSaved"`
	ToolCalls       map[string]uint64 `json:"toolCalls"`
	EventsDropped   uint64            `json:"eventsDropped"`
	EventsTrimmed   int64             `json:"eventsTrimmed"`
}

// Recorder subscribes to the event bus, keeps in-memory counters, and
// writes durable metric points for the series worth graphing. It also
// owns the event-log retention sweep.
type Recorder struct {
	store  *store.Store
	bus    *events.Bus
	sub    *events.Subscription
	logger *zap.Logger

	retention     int
	sweepInterval time.Duration

	mu        sync.Mutex
	counts    map[string]uint64
	toolCalls map[string]uint64
	saved     float64
	trimmed   int64
	started   time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a recorder and starts consuming events. retention is the
// number of persisted events to keep; zero disables trimming.
func New(st *store.Store, bus *events.Bus, retention int, sweepInterval time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	r := &Recorder{
		store:         st,
		bus:           bus,
		logger:        logger,
		retention:     retention,
		sweepInterval: sweepInterval,
		counts:        make(map[string]uint64),
		toolCalls:     make(map[string]uint64),
		started:       time.Now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	r.sub = bus.Subscribe(events.TopicAll, r.onEvent)
	go r.sweepLoop()
	return r
}

// Close stops the retention sweep and unsubscribes from the bus
func (r *Recorder) Close() {
	close(r.stop)
	<-r.done
	r.bus.Unsubscribe(r.sub)
}

// RecordToolCall counts one MCP tool invocation. Wired as the MCP
// server's tool-call callback.
func (r *Recorder) RecordToolCall(agentID, tool string) {
	r.mu.Lock()
	r.toolCalls[tool]++
	r.mu.Unlock()
}

// Snapshot returns a copy of the current counters
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	tools := make(map[string]uint64, len(r.toolCalls))
	for k, v := range r.toolCalls {
		tools[k] = v
	}
	return Snapshot{
		UptimeSeconds:   time.Since(r.started).Seconds(),
		EventCounts:     counts,
		TasksCreated:    counts[string(events.EventTaskCreated)],
		TasksCompleted:  counts[string(events.EventTaskCompleted)],
		TasksFailed:     counts[string(events.EventTaskFailed)],
		Proposals:       counts[string(events.EventProposalSubmitted)],
		Decisions:       counts[string(events.EventDecisionMade)],
		ConsensusRounds: counts[string(events.EventConsensusReached)],
		TokensSaved:     r.saved,
		ToolCalls:       tools,
		EventsDropped:   r.sub.Dropped(),
		EventsTrimmed:   r.trimmed,
	}
}

func (r *Recorder) onEvent(e events.Event) {
	r.mu.Lock()
	r.counts[string(e.Type)]++
	var saved float64
	if e.Type == events.EventTaskCompleted {
		if v, ok := e.Payload["tokens_saved"]; ok {
			switch n := v.(type) {
			case float64:
				saved = n
			case int:
				saved = float64(n)
			}
			r.saved += saved
		}
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	switch e.Type {
	case events.EventTaskCompleted:
		r.persist("tasks_completed", nil, 1, e.CreatedAt)
		if saved > 0 {
			r.persist("tokens_saved", nil, saved, e.CreatedAt)
		}
	case events.EventTaskFailed:
		r.persist("tasks_failed", nil, 1, e.CreatedAt)
	case events.EventProposalSubmitted:
		r.persist("proposals_submitted", map[string]string{"agent": e.AgentID}, 1, e.CreatedAt)
	case events.EventConsensusReached:
		r.persist("consensus_reached", nil, 1, e.CreatedAt)
	}
}

func (r *Recorder) persist(name string, tags map[string]string, value float64, ts time.Time) {
	if err := r.store.RecordMetric(name, tags, value, ts); err != nil {
		r.logger.Warn("metric persist failed", zap.String("metric", name), zap.Error(err))
	}
}

// sweepLoop periodically trims the persisted event log to the retention
// bound so the database does not grow without limit.
func (r *Recorder) sweepLoop() {
	defer close(r.done)
	if r.store == nil || r.retention <= 0 {
		<-r.stop
		return
	}
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := r.store.TrimEvents(r.retention)
			if err != nil {
				r.logger.Warn("event trim failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.mu.Lock()
				r.trimmed += n
				r.mu.Unlock()
				r.logger.Debug("event log trimmed", zap.Int64("removed", n))
			}
		case <-r.stop:
			return
		}
	}
}

// History returns bucketed points for a persisted series
func (r *Recorder) History(name string, since time.Time, bucket time.Duration) ([]store.MetricPoint, error) {
	return r.store.QueryMetric(name, since, bucket)
}
