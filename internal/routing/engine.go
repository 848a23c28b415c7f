// Package routing decides how a task is executed: which strategy and
// which agents. Decisions are deterministic given the registry state,
// and the reasoning is recorded for the audit trail.
package routing

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/registry"
	"github.com/agoralab/agora/internal/tasks"
)

// ErrNoEligibleAgent is returned when no registered agent can take the task
var ErrNoEligibleAgent = errors.New("no eligible agent")

// Directives are caller-supplied routing hints
type Directives struct {
	ForceConsensus   bool   `json:"forceConsensus,omitempty"`
	PreventConsensus bool   `json:"preventConsensus,omitempty"`
	SkipConsensus    bool   `json:"skipConsensus,omitempty"`
	AssignToAgent    string `json:"assignToAgent,omitempty"`
	IsEmergency      bool   `json:"isEmergency,omitempty"`
	MultiStage       bool   `json:"multiStage,omitempty"`
	OriginalText     string `json:"originalText,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// Decision is the routing outcome for one task
type Decision struct {
	Strategy        tasks.RoutingStrategy
	Assignees       []string
	Reason          string
	EmergencyBypass bool
	Downgraded      bool
}

// Config carries the routing thresholds
type Config struct {
	SoloMaxComplexity      int
	SoloMaxRisk            int
	ConsensusMinComplexity int
	ConsensusMinRisk       int
	ParallelTopK           int
	ConsensusMaxAgents     int
}

func (c *Config) defaults() {
	if c.SoloMaxComplexity <= 0 {
		c.SoloMaxComplexity = 3
	}
	if c.SoloMaxRisk <= 0 {
		c.SoloMaxRisk = 3
	}
	if c.ConsensusMinComplexity <= 0 {
		c.ConsensusMinComplexity = 7
	}
	if c.ConsensusMinRisk <= 0 {
		c.ConsensusMinRisk = 7
	}
	if c.ParallelTopK <= 0 {
		c.ParallelTopK = 2
	}
	if c.ConsensusMaxAgents <= 0 {
		c.ConsensusMaxAgents = 5
	}
}

// criticalKeywords force consensus regardless of scores
var criticalKeywords = []string{"security", "auth", "payment", "data migration", "critical"}

// capabilityFor maps a task type to the capability it requires
var capabilityFor = map[tasks.Type]string{
	tasks.TypeImplementation: registry.CapImplementation,
	tasks.TypeArchitecture:   registry.CapArchitecture,
	tasks.TypeReview:         registry.CapReview,
	tasks.TypeResearch:       registry.CapResearch,
	tasks.TypeBugfix:         registry.CapBugfix,
	tasks.TypeDocumentation:  registry.CapDocumentation,
	tasks.TypeRefactoring:    registry.CapImplementation,
	tasks.TypeTesting:        registry.CapTesting,
}

// Engine chooses routing strategy and assignees
type Engine struct {
	registry *registry.Registry
	cfg      Config
	logger   *zap.Logger
}

// New creates a routing engine
func New(reg *registry.Registry, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: reg, cfg: cfg, logger: logger}
}

// RequiredCapability returns the capability a task type demands
func RequiredCapability(t tasks.Type) string {
	if c, ok := capabilityFor[t]; ok {
		return c
	}
	return registry.CapImplementation
}

// Route evaluates the strategy decision table top-down (first match wins)
// and selects assignees for the chosen strategy.
func (e *Engine) Route(t *tasks.Task, d Directives) (*Decision, error) {
	strategy, reason, bypass := e.classify(t, d)

	dec, err := e.selectAgents(t, d, strategy)
	if err != nil {
		return nil, err
	}
	dec.Reason = reason
	dec.EmergencyBypass = bypass
	if dec.Downgraded {
		dec.Reason += "; downgraded to SOLO: only one eligible agent"
	}

	e.logger.Info("task routed",
		zap.String("task_id", t.ID),
		zap.String("strategy", string(dec.Strategy)),
		zap.Strings("assignees", dec.Assignees),
		zap.String("reason", dec.Reason))
	return dec, nil
}

func (e *Engine) classify(t *tasks.Task, d Directives) (strategy tasks.RoutingStrategy, reason string, bypass bool) {
	switch {
	case d.AssignToAgent != "" && d.AssignToAgent != t.CreatedBy:
		return tasks.RouteAssign, fmt.Sprintf("direct hand-off to %s", d.AssignToAgent), false
	case d.ForceConsensus:
		return tasks.RouteConsensus, "forceConsensus directive", false
	case d.PreventConsensus && d.IsEmergency:
		return tasks.RouteSolo, "emergency consensus bypass", true
	case d.SkipConsensus:
		return tasks.RouteSolo, "skipConsensus directive", false
	case t.Complexity <= e.cfg.SoloMaxComplexity && t.Risk <= e.cfg.SoloMaxRisk:
		return tasks.RouteSolo, fmt.Sprintf("low complexity (%d) and risk (%d)", t.Complexity, t.Risk), false
	case t.Risk >= e.cfg.ConsensusMinRisk:
		return tasks.RouteConsensus, fmt.Sprintf("risk %d requires consensus", t.Risk), false
	case t.Complexity >= e.cfg.ConsensusMinComplexity:
		return tasks.RouteConsensus, fmt.Sprintf("complexity %d requires consensus", t.Complexity), false
	case containsCriticalKeyword(t.Description):
		return tasks.RouteConsensus, "critical keyword in description", false
	case t.Type == tasks.TypeReview:
		return tasks.RouteReview, "review task, sequential handoff", false
	case d.MultiStage:
		return tasks.RouteSequential, "caller indicated multi-stage plan", false
	default:
		return tasks.RouteAdaptive, "default adaptive routing", false
	}
}

func (e *Engine) selectAgents(t *tasks.Task, d Directives, strategy tasks.RoutingStrategy) (*Decision, error) {
	capability := RequiredCapability(t.Type)

	switch strategy {
	case tasks.RouteAssign:
		if _, ok := e.registry.Lookup(d.AssignToAgent); !ok {
			return nil, fmt.Errorf("%w: target agent %s not registered", ErrNoEligibleAgent, d.AssignToAgent)
		}
		return &Decision{Strategy: strategy, Assignees: []string{d.AssignToAgent}}, nil

	case tasks.RouteSolo, tasks.RouteAdaptive:
		ranked := e.registry.RankForCapabilities([]string{capability})
		if len(ranked) == 0 {
			return nil, fmt.Errorf("%w: no ONLINE agent with capability %s", ErrNoEligibleAgent, capability)
		}
		return &Decision{Strategy: strategy, Assignees: []string{ranked[0].ID}}, nil

	case tasks.RouteSequential:
		planners := e.registry.RankForCapabilities([]string{registry.CapPlanning})
		implementers := e.registry.RankForCapabilities([]string{capability})
		if len(planners) == 0 || len(implementers) == 0 {
			return nil, fmt.Errorf("%w: sequential routing needs planner and %s agents", ErrNoEligibleAgent, capability)
		}
		seq := []string{planners[0].ID}
		for _, a := range implementers {
			if a.ID != planners[0].ID {
				seq = append(seq, a.ID)
				break
			}
		}
		if len(seq) == 1 {
			// One agent wears both hats.
			seq = append(seq, planners[0].ID)
		}
		return &Decision{Strategy: strategy, Assignees: seq}, nil

	case tasks.RouteParallel:
		ranked := e.registry.RankForCapabilities([]string{capability})
		if len(ranked) == 0 {
			return nil, fmt.Errorf("%w: no ONLINE agent with capability %s", ErrNoEligibleAgent, capability)
		}
		k := e.cfg.ParallelTopK
		if k > len(ranked) {
			k = len(ranked)
		}
		ids := make([]string, 0, k)
		for _, a := range ranked[:k] {
			ids = append(ids, a.ID)
		}
		return &Decision{Strategy: strategy, Assignees: ids}, nil

	case tasks.RouteConsensus:
		ranked := e.registry.RankForCapabilities([]string{capability})
		if len(ranked) == 0 {
			return nil, fmt.Errorf("%w: no ONLINE agent with capability %s", ErrNoEligibleAgent, capability)
		}
		if len(ranked) == 1 {
			// Consensus needs at least two voices.
			return &Decision{Strategy: tasks.RouteSolo, Assignees: []string{ranked[0].ID}, Downgraded: true}, nil
		}
		n := len(ranked)
		if n > e.cfg.ConsensusMaxAgents {
			n = e.cfg.ConsensusMaxAgents
		}
		ids := make([]string, 0, n)
		for _, a := range ranked[:n] {
			ids = append(ids, a.ID)
		}
		return &Decision{Strategy: strategy, Assignees: ids}, nil

	case tasks.RouteReview:
		reviewers := e.registry.RankForCapabilities([]string{registry.CapReview})
		var reviewer string
		for _, a := range reviewers {
			if a.ID != t.CreatedBy {
				reviewer = a.ID
				break
			}
		}
		if reviewer == "" {
			return nil, fmt.Errorf("%w: no reviewer distinct from author %s", ErrNoEligibleAgent, t.CreatedBy)
		}
		return &Decision{Strategy: strategy, Assignees: []string{t.CreatedBy, reviewer}}, nil
	}

	return nil, fmt.Errorf("unknown strategy %s", strategy)
}

// AdditionalConsensusAgents picks agents to add when an adaptive task is
// upgraded mid-flight. Agents in exclude keep their slots; only new ones
// are returned.
func (e *Engine) AdditionalConsensusAgents(t *tasks.Task, exclude []string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	ranked := e.registry.RankForCapabilities([]string{RequiredCapability(t.Type)})
	var out []string
	for _, a := range ranked {
		if skip[a.ID] {
			continue
		}
		out = append(out, a.ID)
		if len(out)+len(exclude) >= e.cfg.ConsensusMaxAgents {
			break
		}
	}
	return out
}

func containsCriticalKeyword(description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
