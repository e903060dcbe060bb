// Package consensus fans one prompt out to a panel of models and
// aggregates the answers: majority vote over normalized replies, or
// an arbiter model synthesizing the panel into one answer.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/goherd/internal/config"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	. "github.com/roelfdiedericks/goherd/internal/metrics"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/scoring"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// defaultParticipants is the panel size when the request leaves it 0.
const defaultParticipants = 3

// Router is the slice of the orchestrator the engine routes through.
type Router interface {
	RouteRequest(ctx context.Context, req *types.Request) (*types.Response, error)
	Requirements(ctx context.Context, req *types.Request, strategy string) types.TaskRequirements
}

// Engine runs consensus rounds. Participants and the arbiter are
// ordinary routed requests; the engine only owns selection, fan-out
// and aggregation.
type Engine struct {
	cfg      *config.Config
	reg      *registry.Registry
	selector *scoring.Selector
	router   Router
}

func New(cfg *config.Config, reg *registry.Registry, selector *scoring.Selector, router Router) *Engine {
	return &Engine{cfg: cfg, reg: reg, selector: selector, router: router}
}

// participant carries one panel member through the round.
type participant struct {
	model  *registry.Model
	stance string
	resp   *types.Response
	err    error
}

// Run executes one consensus round. On a quorum failure the partial
// result (whatever participants did answer) is returned alongside the
// low_quorum error so callers can still show the answers.
func (e *Engine) Run(ctx context.Context, creq *types.ConsensusRequest) (*types.ConsensusResult, error) {
	defer MetricTime("consensus", "run")()

	if e.cfg.FeatureDisabled("consensus") {
		return nil, types.Errorf(types.KindFeatureDisabled, "consensus is disabled")
	}
	if creq == nil || strings.TrimSpace(creq.Prompt) == "" {
		return nil, types.Errorf(types.KindValidation, "empty prompt")
	}

	n := creq.Models
	if n == 0 {
		n = defaultParticipants
	}
	if n < 2 {
		return nil, types.Errorf(types.KindValidation, "consensus needs at least 2 participants, got %d", n)
	}

	strategy := creq.Strategy
	if strategy == "" {
		strategy = types.ConsensusVote
	}
	if strategy != types.ConsensusVote && strategy != types.ConsensusSynthesis {
		return nil, types.Errorf(types.KindValidation, "unknown consensus strategy %q", strategy).
			WithHint("use vote or synthesis")
	}

	trace := creq.TraceID
	if trace == "" {
		trace = uuid.NewString()
	}

	selStrategy := creq.SelectStrategy
	if selStrategy == "" {
		selStrategy = types.StrategyAuto
	}

	base := &types.Request{
		Prompt:      creq.Prompt,
		Images:      creq.Images,
		MaxTokens:   creq.MaxTokens,
		Temperature: creq.Temperature,
		TraceID:     trace,
	}
	reqs := e.router.Requirements(ctx, base, selStrategy)

	ranked, err := e.selector.Select(reqs, e.resolveStrategy(selStrategy), n)
	if err != nil {
		if cerr, ok := types.AsError(err); ok {
			return nil, cerr.WithTrace(trace)
		}
		return nil, types.Wrap(types.KindValidation, err, "participant selection failed").WithTrace(trace)
	}
	if len(ranked) == 0 {
		return nil, types.Errorf(types.KindValidation, "no model satisfies the consensus requirements").
			WithTrace(trace).
			WithHint("relax the request or extend the catalog")
	}

	parts := make([]participant, len(ranked))
	var wg sync.WaitGroup
	for i, r := range ranked {
		parts[i] = participant{model: r.Model, stance: creq.Stances[r.Model.ID]}
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			prompt := creq.Prompt
			if p.stance != "" {
				prompt = p.stance + "\n\n" + prompt
			}
			p.resp, p.err = e.router.RouteRequest(ctx, &types.Request{
				Prompt:       prompt,
				Images:       creq.Images,
				ModelHint:    p.model.ID,
				TaskTypeHint: reqs.TaskType,
				Strategy:     selStrategy,
				MaxTokens:    creq.MaxTokens,
				Temperature:  creq.Temperature,
				TraceID:      trace,
			})
		}(&parts[i])
	}
	wg.Wait()

	var (
		ok       []*participant
		warnings []string
		failures []types.AttemptError
	)
	for i := range parts {
		p := &parts[i]
		if p.err != nil {
			kind := types.KindOf(p.err)
			L_warn("consensus: participant failed", "model", p.model.ID, "kind", kind, "trace", trace)
			warnings = append(warnings, fmt.Sprintf("participant %s failed: %s", p.model.ID, kind))
			failures = append(failures, types.AttemptError{ModelID: p.model.ID, Kind: kind, Message: p.err.Error()})
			continue
		}
		for _, w := range p.resp.Warnings {
			warnings = append(warnings, p.model.ID+": "+w)
		}
		ok = append(ok, p)
	}

	if len(ok) < 2 {
		partial := &types.ConsensusResult{
			Individual:   individuals(ok, nil),
			StrategyUsed: strategy,
			TraceID:      trace,
			Warnings:     warnings,
		}
		err := types.Errorf(types.KindLowQuorum, "only %d of %d participants answered", len(ok), len(parts))
		err.Attempts = failures
		MetricOutcome("consensus", "run", "low_quorum")
		return partial, err.WithTrace(trace).WithHint("check provider health or lower the panel size")
	}

	var result *types.ConsensusResult
	if strategy == types.ConsensusVote {
		result = e.vote(ok, trace)
	} else {
		result, err = e.synthesize(ctx, creq, ok, trace)
		if err != nil {
			return nil, err
		}
	}
	result.Warnings = append(warnings, result.Warnings...)
	MetricOutcome("consensus", "run", result.AgreementBand)
	L_info("consensus: round complete", "strategy", strategy, "participants", len(ok),
		"agreement", result.AgreementScore, "band", result.AgreementBand, "trace", trace)
	return result, nil
}

func (e *Engine) resolveStrategy(strategy string) string {
	if strategy == "" || strategy == types.StrategyAuto {
		return e.cfg.DefaultStrategy
	}
	return strategy
}

// vote buckets normalized answers and picks the largest bucket; ties
// go to the bucket holding the earliest-ranked participant. The
// winner's original (unnormalized) text is returned.
func (e *Engine) vote(ok []*participant, trace string) *types.ConsensusResult {
	type bucket struct {
		count     int
		firstRank int
		content   string
	}
	buckets := map[string]*bucket{}
	membership := make([]string, len(ok))

	for i, p := range ok {
		key := normalizeAnswer(p.resp.Content)
		membership[i] = key
		b := buckets[key]
		if b == nil {
			buckets[key] = &bucket{count: 1, firstRank: i, content: p.resp.Content}
			continue
		}
		b.count++
	}

	var winKey string
	var win *bucket
	for key, b := range buckets {
		if win == nil || b.count > win.count || (b.count == win.count && b.firstRank < win.firstRank) {
			winKey, win = key, b
		}
	}

	agreement := float64(win.count) / float64(len(ok))
	scores := make([]float64, len(ok))
	for i := range ok {
		if membership[i] == winKey {
			scores[i] = 1
		}
	}

	return &types.ConsensusResult{
		AggregatedContent: win.content,
		Individual:        individuals(ok, scores),
		AgreementScore:    agreement,
		AgreementBand:     band(agreement),
		StrategyUsed:      types.ConsensusVote,
		TraceID:           trace,
	}
}

// synthesize sends the panel's answers to an arbiter and reports
// agreement as the mean lexical overlap between the synthesis and
// each answer.
func (e *Engine) synthesize(ctx context.Context, creq *types.ConsensusRequest, ok []*participant, trace string) (*types.ConsensusResult, error) {
	arbiter, err := e.pickArbiter(creq)
	if err != nil {
		return nil, err.WithTrace(trace)
	}

	resp, rerr := e.router.RouteRequest(ctx, &types.Request{
		Prompt:       arbiterPrompt(creq.Prompt, ok),
		ModelHint:    arbiter.ID,
		TaskTypeHint: types.TaskAnalysis,
		Strategy:     creq.SelectStrategy,
		MaxTokens:    creq.MaxTokens,
		TraceID:      trace,
	})
	if rerr != nil {
		if cerr, okk := types.AsError(rerr); okk {
			return nil, cerr.WithTrace(trace)
		}
		return nil, types.Wrap(types.KindProviderUnavailable, rerr, "arbiter %s failed", arbiter.ID).WithTrace(trace)
	}

	scores := make([]float64, len(ok))
	var sum float64
	for i, p := range ok {
		scores[i] = tokenJaccard(resp.Content, p.resp.Content)
		sum += scores[i]
	}
	agreement := sum / float64(len(ok))

	return &types.ConsensusResult{
		AggregatedContent: resp.Content,
		Individual:        individuals(ok, scores),
		AgreementScore:    agreement,
		AgreementBand:     band(agreement),
		StrategyUsed:      types.ConsensusSynthesis,
		TraceID:           trace,
		Warnings:          prefixWarnings(arbiter.ID, resp.Warnings),
	}, nil
}

// pickArbiter resolves, in order: the request override, the
// configured arbiter, then the highest-reasoning available model.
func (e *Engine) pickArbiter(creq *types.ConsensusRequest) (*registry.Model, *types.Error) {
	if creq.Arbiter != "" {
		m, ok := e.reg.Get(creq.Arbiter)
		if !ok {
			return nil, types.Errorf(types.KindValidation, "unknown arbiter model %q", creq.Arbiter)
		}
		return m, nil
	}
	if e.cfg.ArbiterModel != "" {
		if m, ok := e.reg.Get(e.cfg.ArbiterModel); ok {
			return m, nil
		}
		L_warn("consensus: configured arbiter not in catalog, picking by reasoning",
			"arbiter", e.cfg.ArbiterModel)
	}

	candidates := e.reg.List(registry.Filter{AvailableOnly: true})
	if len(candidates) == 0 {
		return nil, types.Errorf(types.KindConfiguration, "no available model can arbitrate")
	}
	sort.Slice(candidates, func(i, j int) bool {
		return scoring.Less(float64(candidates[i].Scores.Reasoning), float64(candidates[j].Scores.Reasoning),
			candidates[i], candidates[j])
	})
	return candidates[0], nil
}

func arbiterPrompt(question string, ok []*participant) string {
	var b strings.Builder
	b.WriteString("You are the arbiter over a panel of assistants that answered the same question independently.\n")
	b.WriteString("Synthesize the single best answer from their replies. Resolve contradictions, drop mistakes, and do not mention the panel.\n\n")
	fmt.Fprintf(&b, "Question:\n%s\n\nAnswers:\n", question)
	for _, p := range ok {
		fmt.Fprintf(&b, "--- %s", p.model.ID)
		if p.stance != "" {
			fmt.Fprintf(&b, " (stance: %s)", p.stance)
		}
		b.WriteString(" ---\n")
		b.WriteString(p.resp.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func individuals(ok []*participant, scores []float64) []types.IndividualResult {
	out := make([]types.IndividualResult, len(ok))
	for i, p := range ok {
		out[i] = types.IndividualResult{
			ModelID: p.resp.ModelID,
			Content: p.resp.Content,
		}
		if scores != nil {
			out[i].Score = scores[i]
		}
	}
	return out
}

func prefixWarnings(id string, ws []string) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, id+": "+w)
	}
	return out
}

// normalizeAnswer folds case and whitespace so trivially different
// phrasings of the same answer land in one bucket.
func normalizeAnswer(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// band maps an agreement score to its reporting band.
func band(score float64) string {
	switch {
	case score < 0.5:
		return types.AgreementLow
	case score <= 0.8:
		return types.AgreementMedium
	default:
		return types.AgreementHigh
	}
}

// tokenJaccard is set overlap over lowercase word tokens.
func tokenJaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for t := range as {
		if bs[t] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range strings.Fields(strings.ToLower(s)) {
		set[t] = true
	}
	return set
}
