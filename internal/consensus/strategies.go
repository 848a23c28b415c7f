// internal/consensus/strategies.go
package consensus

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agoralab/agora/internal/tasks"
)

// Strategy names. Decision rows store these verbatim.
const (
	StrategyVoting           = "VOTING"
	StrategyReasoningQuality = "REASONING_QUALITY"
	StrategyMerge            = "MERGE"
	StrategyTokenOpt         = "TOKEN_OPTIMIZATION"
	StrategyRRFFusion        = "RRF_FUSION"
	StrategySolo             = "SOLO"
)

// rrfK is the standard reciprocal-rank-fusion constant
const rrfK = 60

// Reasoning-quality rubric weights
const (
	weightRationale = 0.5
	weightEdgeCases = 0.3
	weightPriorArt  = 0.2
)

// Params tunes strategy behavior
type Params struct {
	ApprovalThreshold float64 // VOTING: winner share required for consensus
	QualityMargin     float64 // REASONING_QUALITY: score gap required
	FusionTopN        int     // RRF_FUSION: fused list length
}

func (p *Params) defaults() {
	if p.ApprovalThreshold <= 0 {
		p.ApprovalThreshold = 0.75
	}
	if p.QualityMargin <= 0 {
		p.QualityMargin = 0.1
	}
	if p.FusionTopN <= 0 {
		p.FusionTopN = 10
	}
}

// Strategy maps a proposal set to a decision. Implementations never
// mutate the proposals; the caller owns persistence and task state.
type Strategy func(p Params, proposals []*tasks.Proposal) (*tasks.Decision, error)

// StrategyRegistry is the explicit name -> strategy table, installed at
// startup before the orchestrator starts serving.
type StrategyRegistry struct {
	strategies map[string]Strategy
}

// NewStrategyRegistry returns a registry with the built-in strategies
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[string]Strategy)}
	r.Install(StrategyVoting, Voting)
	r.Install(StrategyReasoningQuality, ReasoningQuality)
	r.Install(StrategyMerge, Merge)
	r.Install(StrategyTokenOpt, TokenOptimization)
	r.Install(StrategyRRFFusion, RRFFusion)
	return r
}

// Install registers a strategy under a name
func (r *StrategyRegistry) Install(name string, s Strategy) {
	r.strategies[strings.ToUpper(name)] = s
}

// Get looks up a strategy by name, case-insensitive
func (r *StrategyRegistry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("unknown consensus strategy: %s", name)
	}
	return s, nil
}

// Names returns the installed strategy names, sorted
func (r *StrategyRegistry) Names() []string {
	out := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Voting treats each proposal as a categorical choice keyed by content
// hash. Consensus requires the winning choice's share to reach the
// approval threshold. Group ties break on summed confidence, then on
// earliest submission.
func Voting(p Params, proposals []*tasks.Proposal) (*tasks.Decision, error) {
	p.defaults()
	if len(proposals) == 0 {
		return nil, fmt.Errorf("no proposals to vote on")
	}

	type group struct {
		hash       string
		members    []*tasks.Proposal
		confidence float64
		earliest   time.Time
	}
	byHash := make(map[string]*group)
	var order []*group
	for _, prop := range proposals {
		g, ok := byHash[prop.ContentHash]
		if !ok {
			g = &group{hash: prop.ContentHash, earliest: prop.CreatedAt}
			byHash[prop.ContentHash] = g
			order = append(order, g)
		}
		g.members = append(g.members, prop)
		g.confidence += prop.Confidence
		if prop.CreatedAt.Before(g.earliest) {
			g.earliest = prop.CreatedAt
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		gi, gj := order[i], order[j]
		if len(gi.members) != len(gj.members) {
			return len(gi.members) > len(gj.members)
		}
		if gi.confidence != gj.confidence {
			return gi.confidence > gj.confidence
		}
		return gi.earliest.Before(gj.earliest)
	})

	winnerGroup := order[0]
	share := float64(len(winnerGroup.members)) / float64(len(proposals))
	winner := bestOfGroup(winnerGroup.members)

	var runnerUps []string
	for _, g := range order[1:] {
		runnerUps = append(runnerUps, bestOfGroup(g.members).ID)
	}

	d := newDecision(StrategyVoting, winner, winnerGroup.members)
	d.RunnerUps = runnerUps
	d.Consensus = share >= p.ApprovalThreshold
	d.Rationale = fmt.Sprintf("%d of %d proposals chose the winning content (share %.2f, threshold %.2f)",
		len(winnerGroup.members), len(proposals), share, p.ApprovalThreshold)
	return d, nil
}

// bestOfGroup picks the representative proposal of a vote group:
// highest confidence, then earliest submission.
func bestOfGroup(members []*tasks.Proposal) *tasks.Proposal {
	best := members[0]
	for _, m := range members[1:] {
		if m.Confidence > best.Confidence ||
			(m.Confidence == best.Confidence && m.CreatedAt.Before(best.CreatedAt)) {
			best = m
		}
	}
	return best
}

var (
	rationaleMarkers = []string{"because", "rationale", "reasoning", "therefore", "trade-off", "tradeoff"}
	edgeCaseMarkers  = []string{"edge case", "boundary", "corner case", "empty", "overflow", "timeout", "failure mode"}
	priorArtMarkers  = []string{"similar to", "prior art", "reference", "rfc", "existing", "as in", "pattern"}
	listItemRe       = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+`)
)

// ReasoningQuality scores each proposal on a rubric (rationale present,
// edge cases enumerated, prior art cited) and picks the argmax. The
// consensus flag is set only when the winner clears the runner-up by
// the configured margin.
func ReasoningQuality(p Params, proposals []*tasks.Proposal) (*tasks.Decision, error) {
	p.defaults()
	if len(proposals) == 0 {
		return nil, fmt.Errorf("no proposals to score")
	}

	scores := make([]float64, len(proposals))
	for i, prop := range proposals {
		scores[i] = weightRationale*markerScore(prop.Content, rationaleMarkers) +
			weightEdgeCases*edgeCaseScore(prop.Content) +
			weightPriorArt*markerScore(prop.Content, priorArtMarkers)
	}

	idx := make([]int, len(proposals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if scores[idx[a]] != scores[idx[b]] {
			return scores[idx[a]] > scores[idx[b]]
		}
		if proposals[idx[a]].Confidence != proposals[idx[b]].Confidence {
			return proposals[idx[a]].Confidence > proposals[idx[b]].Confidence
		}
		return proposals[idx[a]].CreatedAt.Before(proposals[idx[b]].CreatedAt)
	})

	winner := proposals[idx[0]]
	d := newDecision(StrategyReasoningQuality, winner, []*tasks.Proposal{winner})
	for _, i := range idx[1:] {
		d.RunnerUps = append(d.RunnerUps, proposals[i].ID)
	}

	gap := scores[idx[0]]
	if len(idx) > 1 {
		gap = scores[idx[0]] - scores[idx[1]]
	}
	d.Consensus = gap > p.QualityMargin
	d.Rationale = fmt.Sprintf("winner scored %.2f on the reasoning rubric (gap %.2f, margin %.2f)",
		scores[idx[0]], gap, p.QualityMargin)
	return d, nil
}

func markerScore(content string, markers []string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, m := range markers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	score := float64(hits) / 2
	if score > 1 {
		score = 1
	}
	return score
}

func edgeCaseScore(content string) float64 {
	score := markerScore(content, edgeCaseMarkers)
	if len(listItemRe.FindAllString(content, 3)) >= 3 {
		score += 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Merge unions the distinct sections of all proposals, de-duplicated by
// section key, preferring higher-confidence proposals on conflicts.
// Merge always produces output, so the consensus flag is always true.
func Merge(p Params, proposals []*tasks.Proposal) (*tasks.Decision, error) {
	p.defaults()
	if len(proposals) == 0 {
		return nil, fmt.Errorf("no proposals to merge")
	}

	// Higher confidence first so it wins conflicting section keys;
	// submission order breaks confidence ties.
	ordered := append([]*tasks.Proposal{}, proposals...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	seen := make(map[string]bool)
	var merged []mergeSection
	for _, prop := range ordered {
		for _, sec := range splitSections(prop.Content) {
			if seen[sec.key] {
				continue
			}
			seen[sec.key] = true
			merged = append(merged, sec)
		}
	}

	var sb strings.Builder
	for i, sec := range merged {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(sec.body)
	}

	d := newDecision(StrategyMerge, ordered[0], proposals)
	d.Content = sb.String()
	d.Consensus = true
	d.Rationale = fmt.Sprintf("merged %d distinct sections from %d proposals", len(merged), len(proposals))
	return d, nil
}

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+.*$`)

type mergeSection struct {
	key  string
	body string
}

// splitSections breaks content at markdown headings. Content before the
// first heading (or heading-free content) is one section keyed by its
// first line.
func splitSections(content string) []mergeSection {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	locs := headingRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		first := strings.SplitN(content, "\n", 2)[0]
		return []mergeSection{{key: normalizeKey(first), body: content}}
	}

	var sections []mergeSection
	if locs[0][0] > 0 {
		pre := strings.TrimSpace(content[:locs[0][0]])
		if pre != "" {
			first := strings.SplitN(pre, "\n", 2)[0]
			sections = append(sections, mergeSection{key: normalizeKey(first), body: pre})
		}
	}
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(content[loc[0]:end])
		heading := strings.TrimSpace(strings.TrimLeft(content[loc[0]:loc[1]], "# "))
		sections = append(sections, mergeSection{key: normalizeKey(heading), body: body})
	}
	return sections
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TokenOptimization picks the proposal with the best quality-per-token
// ratio, quality defaulting to confidence.
func TokenOptimization(p Params, proposals []*tasks.Proposal) (*tasks.Decision, error) {
	p.defaults()
	if len(proposals) == 0 {
		return nil, fmt.Errorf("no proposals to optimize over")
	}

	ratio := func(prop *tasks.Proposal) float64 {
		tokens := prop.TotalTokens()
		if tokens < 1 {
			tokens = 1
		}
		return prop.Confidence / float64(tokens)
	}

	ordered := append([]*tasks.Proposal{}, proposals...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ratio(ordered[i]), ratio(ordered[j])
		if ri != rj {
			return ri > rj
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	winner := ordered[0]
	d := newDecision(StrategyTokenOpt, winner, []*tasks.Proposal{winner})
	for _, prop := range ordered[1:] {
		d.RunnerUps = append(d.RunnerUps, prop.ID)
	}
	d.Consensus = true
	d.Rationale = fmt.Sprintf("best quality-per-token %.5f across %d proposals", ratio(winner), len(proposals))
	return d, nil
}

// RRFFusion merges the ranked lists carried by each proposal (one item
// per line) with reciprocal rank fusion and emits the fused top-N.
func RRFFusion(p Params, proposals []*tasks.Proposal) (*tasks.Decision, error) {
	p.defaults()
	if len(proposals) == 0 {
		return nil, fmt.Errorf("no proposals to fuse")
	}

	type item struct {
		value string
		score float64
		first int // tie-break: earliest first appearance
	}
	items := make(map[string]*item)
	ranks := make([]map[string]int, len(proposals))
	pos := 0
	for pi, prop := range proposals {
		ranks[pi] = make(map[string]int)
		for rank, line := range rankedItems(prop.Content) {
			ranks[pi][line] = rank
			it, ok := items[line]
			if !ok {
				it = &item{value: line, first: pos}
				items[line] = it
				pos++
			}
			it.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("proposals carry no ranked items")
	}

	fused := make([]*item, 0, len(items))
	for _, it := range items {
		fused = append(fused, it)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].first < fused[j].first
	})
	if len(fused) > p.FusionTopN {
		fused = fused[:p.FusionTopN]
	}

	// Winner: the proposal whose ranking agrees most with the fusion.
	agreement := make([]float64, len(proposals))
	for pi := range proposals {
		for _, it := range fused {
			if rank, ok := ranks[pi][it.value]; ok {
				agreement[pi] += 1.0 / float64(rrfK+rank+1)
			}
		}
	}
	best := 0
	for i := 1; i < len(proposals); i++ {
		if agreement[i] > agreement[best] {
			best = i
		}
	}

	var lines []string
	for _, it := range fused {
		lines = append(lines, it.value)
	}

	winner := proposals[best]
	d := newDecision(StrategyRRFFusion, winner, proposals)
	d.Content = strings.Join(lines, "\n")
	d.Consensus = len(proposals) > 1
	d.Rationale = fmt.Sprintf("fused %d ranked lists into top %d by reciprocal rank (k=%d)",
		len(proposals), len(lines), rrfK)
	for i, prop := range proposals {
		if i != best {
			d.RunnerUps = append(d.RunnerUps, prop.ID)
		}
	}
	return d, nil
}

func rankedItems(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = listItemRe.ReplaceAllString(line, "")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// newDecision fills the shared decision fields: winner reference,
// aggregated confidence over the selected proposals, and token totals.
func newDecision(strategy string, winner *tasks.Proposal, selected []*tasks.Proposal) *tasks.Decision {
	conf := 0.0
	for _, p := range selected {
		conf += p.Confidence
	}
	if len(selected) > 0 {
		conf /= float64(len(selected))
	}
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}

	d := &tasks.Decision{
		TaskID:     winner.TaskID,
		Strategy:   strategy,
		WinnerID:   winner.ID,
		Content:    winner.Content,
		Confidence: conf,
		DecidedAt:  time.Now().UTC(),
	}
	return d
}
