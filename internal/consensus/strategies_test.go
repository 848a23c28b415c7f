package consensus

import (
	"strings"
	"testing"
	"time"

	"github.com/agoralab/agora/internal/tasks"
)

func proposalAt(agentID, content string, confidence float64, at time.Time) *tasks.Proposal {
	p := tasks.NewProposal("task-1", agentID, tasks.InputInitialSolution, content, confidence)
	p.ID = agentID + "-prop"
	p.CreatedAt = at
	return p
}

func TestVoting_ConsensusAboveThreshold(t *testing.T) {
	base := time.Now()
	props := []*tasks.Proposal{
		proposalAt("a", "use sqlite", 0.8, base),
		proposalAt("b", "use sqlite", 0.7, base.Add(time.Second)),
		proposalAt("c", "use sqlite", 0.9, base.Add(2*time.Second)),
		proposalAt("d", "use postgres", 0.9, base.Add(3*time.Second)),
	}

	d, err := Voting(Params{}, props)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Consensus {
		t.Error("3/4 share should reach the default 0.75 threshold")
	}
	// Winner within the group: highest confidence is c.
	if d.WinnerID != "c-prop" {
		t.Errorf("winner = %s, want c-prop", d.WinnerID)
	}
	if len(d.RunnerUps) != 1 || d.RunnerUps[0] != "d-prop" {
		t.Errorf("runner ups = %v", d.RunnerUps)
	}
}

func TestVoting_BelowThresholdNoConsensus(t *testing.T) {
	base := time.Now()
	props := []*tasks.Proposal{
		proposalAt("a", "plan A", 0.8, base),
		proposalAt("b", "plan B", 0.7, base.Add(time.Second)),
	}
	d, err := Voting(Params{}, props)
	if err != nil {
		t.Fatal(err)
	}
	if d.Consensus {
		t.Error("50% share must not reach 0.75 threshold")
	}
}

func TestVoting_TieBreaksOnConfidenceThenTime(t *testing.T) {
	base := time.Now()
	props := []*tasks.Proposal{
		proposalAt("a", "plan A", 0.6, base),
		proposalAt("b", "plan B", 0.9, base.Add(time.Second)),
	}
	d, err := Voting(Params{}, props)
	if err != nil {
		t.Fatal(err)
	}
	if d.WinnerID != "b-prop" {
		t.Errorf("higher summed confidence should win the tie, got %s", d.WinnerID)
	}

	// Equal confidence: earliest submission wins.
	props = []*tasks.Proposal{
		proposalAt("late", "plan L", 0.7, base.Add(time.Minute)),
		proposalAt("early", "plan E", 0.7, base),
	}
	d, _ = Voting(Params{}, props)
	if d.WinnerID != "early-prop" {
		t.Errorf("earliest submission should win the tie, got %s", d.WinnerID)
	}
}

func TestReasoningQuality_PrefersRichRationale(t *testing.T) {
	base := time.Now()
	rich := proposalAt("a", strings.Join([]string{
		"Split the parser because the grammar is ambiguous; the trade-off is speed.",
		"Edge case: empty input. Boundary: 64KB frames. Timeout handling covered.",
		"- step one",
		"- step two",
		"- step three",
		"Similar to the existing RFC 8259 reference implementation.",
	}, "\n"), 0.5, base)
	thin := proposalAt("b", "just do it", 0.9, base.Add(time.Second))

	d, err := ReasoningQuality(Params{}, []*tasks.Proposal{thin, rich})
	if err != nil {
		t.Fatal(err)
	}
	if d.WinnerID != "a-prop" {
		t.Errorf("winner = %s, want the well-reasoned proposal", d.WinnerID)
	}
	if !d.Consensus {
		t.Error("large rubric gap should set the consensus flag")
	}
}

func TestReasoningQuality_CloseScoresNoConsensus(t *testing.T) {
	base := time.Now()
	a := proposalAt("a", "do it because reasons", 0.8, base)
	b := proposalAt("b", "do it because reasons", 0.7, base.Add(time.Second))
	d, err := ReasoningQuality(Params{}, []*tasks.Proposal{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if d.Consensus {
		t.Error("identical rubric scores must not set the consensus flag")
	}
}

func TestMerge_UnionsSectionsPreferringConfidence(t *testing.T) {
	base := time.Now()
	a := proposalAt("a", "# Plan\nuse workers\n\n# Testing\nrace detector", 0.9, base)
	b := proposalAt("b", "# Plan\nuse a single loop\n\n# Rollout\nfeature flag", 0.5, base.Add(time.Second))

	d, err := Merge(Params{}, []*tasks.Proposal{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Consensus {
		t.Error("merge always reaches consensus")
	}
	if !strings.Contains(d.Content, "use workers") {
		t.Error("higher-confidence Plan section should win")
	}
	if strings.Contains(d.Content, "single loop") {
		t.Error("conflicting lower-confidence Plan section should be dropped")
	}
	if !strings.Contains(d.Content, "feature flag") || !strings.Contains(d.Content, "race detector") {
		t.Error("distinct sections from both proposals should be united")
	}
	// Mean confidence over the contributors.
	if diff := d.Confidence - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence = %g, want 0.7", d.Confidence)
	}
}

func TestTokenOptimization_QualityPerToken(t *testing.T) {
	base := time.Now()
	cheap := proposalAt("a", strings.Repeat("x", 40), 0.8, base) // 10 tokens
	costly := proposalAt("b", strings.Repeat("y", 4000), 0.9, base.Add(time.Second))

	d, err := TokenOptimization(Params{}, []*tasks.Proposal{costly, cheap})
	if err != nil {
		t.Fatal(err)
	}
	if d.WinnerID != "a-prop" {
		t.Errorf("winner = %s, want the cheaper proposal", d.WinnerID)
	}
}

func TestRRFFusion_FusesRankedLists(t *testing.T) {
	base := time.Now()
	a := proposalAt("a", "alpha\nbeta\ngamma", 0.8, base)
	b := proposalAt("b", "beta\nalpha\ndelta", 0.8, base.Add(time.Second))

	d, err := RRFFusion(Params{FusionTopN: 2}, []*tasks.Proposal{a, b})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(d.Content, "\n")
	if len(lines) != 2 {
		t.Fatalf("fused list = %q, want 2 items", d.Content)
	}
	// alpha: 1/61 + 1/62; beta: 1/62 + 1/61 -- tie broken by first appearance.
	if lines[0] != "alpha" || lines[1] != "beta" {
		t.Errorf("fused order = %v", lines)
	}
	if !d.Consensus {
		t.Error("fusion over two lists should set consensus")
	}
}

func TestStrategyRegistry_LookupAndInstall(t *testing.T) {
	r := NewStrategyRegistry()
	if _, err := r.Get("voting"); err != nil {
		t.Errorf("lookup should be case-insensitive: %v", err)
	}
	if _, err := r.Get("ouija"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if got := len(r.Names()); got != 5 {
		t.Errorf("expected 5 built-in strategies, got %d", got)
	}

	r.Install("custom", func(p Params, props []*tasks.Proposal) (*tasks.Decision, error) {
		return &tasks.Decision{TaskID: props[0].TaskID, Strategy: "CUSTOM"}, nil
	})
	if _, err := r.Get("CUSTOM"); err != nil {
		t.Errorf("installed strategy not found: %v", err)
	}
}
