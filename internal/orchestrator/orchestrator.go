// Package orchestrator ties the pipeline together: analyze the
// prompt, pick a model, run the attempt, and walk the fallback chain
// when it fails. Every request shape comes through RouteRequest:
// plain calls, the analyzer's classifier fallback, consensus
// participants and chain steps alike.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/goherd/internal/analyzer"
	"github.com/roelfdiedericks/goherd/internal/config"
	"github.com/roelfdiedericks/goherd/internal/executor"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	. "github.com/roelfdiedericks/goherd/internal/metrics"
	"github.com/roelfdiedericks/goherd/internal/pool"
	"github.com/roelfdiedericks/goherd/internal/provider"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/scoring"
	"github.com/roelfdiedericks/goherd/internal/types"
	"github.com/roelfdiedericks/goherd/internal/usage"
)

// Service is the composition root of the routing pipeline.
type Service struct {
	cfg      *config.Config
	reg      *registry.Registry
	pool     *pool.Pool
	selector *scoring.Selector
	analyzer *analyzer.Analyzer
	exec     *executor.Executor
	sink     usage.Sink
}

// New wires a Service over an already-loaded registry and pool. The
// sink is owned by the Service afterwards; Close flushes it.
func New(cfg *config.Config, reg *registry.Registry, p *pool.Pool, sink usage.Sink) (*Service, error) {
	scorer, err := scoring.NewScorer(cfg.Strategies, cfg.CostCeiling)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = usage.Discard{}
	}

	s := &Service{
		cfg:      cfg,
		reg:      reg,
		pool:     p,
		selector: scoring.NewSelector(scorer, reg),
		exec:     executor.New(p, cfg, sink),
		sink:     sink,
	}

	var clf analyzer.Classifier
	if cfg.ClassifierModel != "" && !cfg.FeatureDisabled("classifier") {
		clf = classifierHook{svc: s}
	}
	s.analyzer = analyzer.New(cfg.ClassifierThreshold, clf)
	return s, nil
}

// Close flushes and closes the usage sink.
func (s *Service) Close() error {
	return s.sink.Close()
}

// Selector exposes the ranked-selection surface for composition
// (consensus picks its participants through it).
func (s *Service) Selector() *scoring.Selector { return s.selector }

// Requirements runs the analyzer with the resolved strategy name.
func (s *Service) Requirements(ctx context.Context, req *types.Request, strategy string) types.TaskRequirements {
	return s.analyzer.Analyze(ctx, req, s.resolveStrategy(strategy))
}

func (s *Service) resolveStrategy(strategy string) string {
	if strategy == "" || strategy == types.StrategyAuto {
		return s.cfg.DefaultStrategy
	}
	return strategy
}

// RouteRequest answers one request: analyze, select, execute,
// fall back. The returned response names the model that actually
// answered and carries a warning per model skipped along the way.
//
// Errors come back classified: validation and configuration problems
// stop the walk immediately, provider trouble walks the fallback
// chain until it runs out and aggregates into exhausted_fallbacks.
func (s *Service) RouteRequest(ctx context.Context, req *types.Request) (*types.Response, error) {
	defer MetricTime("orchestrator", "route")()
	MetricInc("orchestrator", "requests")

	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, types.Errorf(types.KindValidation, "empty prompt")
	}
	if s.reg.Len() == 0 {
		return nil, types.Errorf(types.KindConfiguration, "model registry is empty").
			WithHint("check registryPath, or remove it to use the embedded catalog")
	}

	trace := req.TraceID
	if trace == "" {
		trace = uuid.NewString()
		req.TraceID = trace
	}

	if req.WantsStream() && s.cfg.FeatureDisabled("stream") {
		return nil, types.Errorf(types.KindFeatureDisabled, "streaming is disabled").WithTrace(trace)
	}

	// The request-level deadline backstops the whole walk. A caller
	// deadline, when present, wins.
	if _, ok := ctx.Deadline(); !ok && s.cfg.RequestTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout())
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.KindOf(err), err, "request context already closed").WithTrace(trace)
	}

	strategy := s.resolveStrategy(req.Strategy)
	reqs := s.analyzer.Analyze(ctx, req, strategy)
	L_debug("orchestrator: analyzed", "trace", trace, "task", reqs.TaskType,
		"confidence", reqs.Confidence, "minContext", reqs.MinContext, "strategy", strategy)

	hint := req.ModelHint
	if hint == "" {
		hint = s.cfg.DefaultModel
	}

	var primary *registry.Model
	if hint != "" {
		m, ok := s.reg.Get(hint)
		if !ok {
			return nil, types.Errorf(types.KindValidation, "unknown model id %q", hint).
				WithTrace(trace).
				WithHint("run `goherd models` to list the catalog")
		}
		primary = m
	} else {
		ranked, err := s.selector.Select(reqs, strategy, 1)
		if err != nil {
			if cerr, ok := types.AsError(err); ok {
				return nil, cerr.WithTrace(trace)
			}
			return nil, types.Wrap(types.KindValidation, err, "selection failed").WithTrace(trace)
		}
		if len(ranked) == 0 {
			MetricOutcome("orchestrator", "route", "exhausted")
			return nil, noCandidatesError(reqs, trace)
		}
		primary = ranked[0].Model
	}

	resp, err := s.walk(ctx, req, reqs, strategy, primary, trace)
	if err != nil {
		MetricOutcome("orchestrator", "route", routeOutcome(err))
		return nil, err
	}
	if resp.AttemptIndex > 0 {
		MetricOutcome("orchestrator", "route", "fallback")
	} else {
		MetricOutcome("orchestrator", "route", "done")
	}
	return resp, nil
}

// walk runs the fallback state machine: execute the current pick,
// then ask the selector for the next candidate among the untried,
// until an answer lands, a terminal error stops it, or the chain and
// depth budget run out.
func (s *Service) walk(ctx context.Context, req *types.Request, reqs types.TaskRequirements, strategy string, primary *registry.Model, trace string) (*types.Response, error) {
	depth := s.cfg.FallbackDepth
	if depth < 0 {
		depth = 0
	}

	// Count deltas across the walk: once the caller has seen output
	// there is no clean way to start over on another model.
	var deltasSeen atomic.Int64
	execReq := req
	if req.WantsStream() {
		userDelta := req.OnDelta
		clone := *req
		clone.OnDelta = func(d string) {
			deltasSeen.Add(1)
			userDelta(d)
		}
		execReq = &clone
	}

	var (
		warnings []string
		attempts []types.AttemptError
		tried    = map[string]bool{}
	)

	m := primary
	attemptIndex := 0
	for {
		if err := ctx.Err(); err != nil {
			cerr := types.Wrap(types.KindOf(err), err, "request deadline hit after %d attempts", attemptIndex)
			cerr.Attempts = attempts
			return nil, cerr.WithTrace(trace)
		}

		tried[m.ID] = true

		switch {
		case s.pool.InCooldown(m.Provider):
			L_debug("orchestrator: provider in cooldown, skipping", "model", m.ID,
				"provider", m.Provider, "trace", trace)
			warnings = append(warnings, fmt.Sprintf("skipped %s: provider %s in cooldown", m.ID, m.Provider))
			attempts = append(attempts, types.AttemptError{
				ModelID: m.ID, Kind: types.KindProviderUnavailable, Message: "provider in cooldown, not attempted",
			})

		case !m.Available:
			reason := m.AvailabilityReason
			if reason == "" {
				reason = "marked unavailable"
			}
			L_debug("orchestrator: model unavailable, skipping", "model", m.ID,
				"reason", reason, "trace", trace)
			warnings = append(warnings, fmt.Sprintf("skipped %s: %s", m.ID, reason))
			attempts = append(attempts, types.AttemptError{
				ModelID: m.ID, Kind: types.KindProviderUnavailable, Message: reason,
			})

		default:
			resp, err := s.exec.Run(ctx, execReq, m, attemptIndex)
			if err == nil {
				resp.Warnings = warnings
				if attemptIndex > 0 {
					L_info("orchestrator: fallback answered", "model", m.ID,
						"attempt", attemptIndex, "primary", primary.ID, "trace", trace)
				}
				return resp, nil
			}

			cerr := asClassified(err, m.Provider)
			attempts = append(attempts, types.AttemptError{ModelID: m.ID, Kind: cerr.Kind, Message: cerr.Message})

			if !fallbackEligible(cerr.Kind) {
				L_warn("orchestrator: terminal error, stopping", "model", m.ID,
					"kind", cerr.Kind, "trace", trace)
				return nil, cerr.WithTrace(trace)
			}
			if req.WantsStream() && deltasSeen.Load() > 0 {
				L_warn("orchestrator: stream broke mid-answer, not falling back",
					"model", m.ID, "kind", cerr.Kind, "trace", trace)
				return nil, cerr.WithTrace(trace)
			}

			warnings = append(warnings, fmt.Sprintf("skipped %s: %s", m.ID, cerr.Kind))
			attemptIndex++
			if attemptIndex > depth {
				L_warn("orchestrator: fallback depth exhausted", "depth", depth, "trace", trace)
				return nil, exhaustedError(trace, attempts)
			}
			L_warn("orchestrator: trying next model", "failed", m.ID, "reason", cerr.Kind, "trace", trace)
		}

		chain, err := s.selector.FallbackChain(reqs, strategy, tried, 1)
		if err != nil {
			if cerr, ok := types.AsError(err); ok {
				return nil, cerr.WithTrace(trace)
			}
			return nil, types.Wrap(types.KindValidation, err, "fallback selection failed").WithTrace(trace)
		}
		if len(chain) == 0 {
			return nil, exhaustedError(trace, attempts)
		}
		m = chain[0].Model
	}
}

// fallbackEligible reports whether another model is worth trying
// after this kind of failure. Caller mistakes and cancellations are
// not; provider-side trouble is.
func fallbackEligible(kind types.Kind) bool {
	switch kind {
	case types.KindValidation, types.KindConfiguration, types.KindCancelled, types.KindFeatureDisabled:
		return false
	}
	return true
}

func routeOutcome(err error) string {
	switch types.KindOf(err) {
	case types.KindExhaustedFallbacks:
		return "exhausted"
	case types.KindCancelled, types.KindTimeout:
		return "cancelled"
	default:
		return "error"
	}
}

func asClassified(err error, providerTag string) *types.Error {
	if cerr, ok := types.AsError(err); ok {
		return cerr
	}
	return provider.Classify(providerTag, err)
}

// noCandidatesError reports an empty selection: nothing was attempted
// because nothing could satisfy the requirements.
func noCandidatesError(reqs types.TaskRequirements, trace string) *types.Error {
	msg := "no model satisfies the task requirements"
	hint := "relax the request or extend the catalog"
	if reqs.RequireVision {
		msg = "no vision-capable model available"
		hint = "add a model with the vision capability to the registry"
	}
	err := types.Errorf(types.KindExhaustedFallbacks, "%s", msg)
	err.Attempts = []types.AttemptError{{Kind: types.KindValidation, Message: msg}}
	return err.WithTrace(trace).WithHint(hint)
}

func exhaustedError(trace string, attempts []types.AttemptError) *types.Error {
	err := types.Errorf(types.KindExhaustedFallbacks, "every candidate model failed")
	err.Attempts = attempts
	return err.WithTrace(trace).WithHint("run `goherd health` to check provider status")
}

// ListModels returns overlay-applied catalog entries.
func (s *Service) ListModels(f registry.Filter) []*registry.Model {
	return s.reg.List(f)
}

// Health probes every provider named by the catalog, refreshing the
// cached status, and returns the results keyed by provider tag.
func (s *Service) Health(ctx context.Context) map[string]provider.HealthStatus {
	return s.pool.HealthAll(ctx, s.reg.Providers())
}

// ProviderStatuses reports pool cooldown state per provider.
func (s *Service) ProviderStatuses() []pool.Status {
	return s.pool.Statuses()
}
