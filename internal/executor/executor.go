// Package executor runs one model attempt end to end: pool slot,
// per-attempt deadline, the wire call, classification, a bounded
// transient-retry loop, cost accounting and the usage record. It
// never switches models; trying someone else is the orchestrator's
// decision.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/goherd/internal/config"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	. "github.com/roelfdiedericks/goherd/internal/metrics"
	"github.com/roelfdiedericks/goherd/internal/pool"
	"github.com/roelfdiedericks/goherd/internal/provider"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
	"github.com/roelfdiedericks/goherd/internal/usage"
)

const (
	// defaultMaxRetries bounds transient retries within one attempt.
	defaultMaxRetries = 2

	backoffBase = 250 * time.Millisecond
	backoffCap  = 4 * time.Second
)

// Executor owns the per-attempt retry budget and accounting.
type Executor struct {
	pool *pool.Pool
	cfg  *config.Config
	sink usage.Sink

	maxRetries int

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(p *pool.Pool, cfg *config.Config, sink usage.Sink) *Executor {
	if sink == nil {
		sink = usage.Discard{}
	}
	return &Executor{
		pool:       p,
		cfg:        cfg,
		sink:       sink,
		maxRetries: defaultMaxRetries,
		sleep:      sleepCtx,
	}
}

// Run executes req against exactly one model. attemptIndex is the
// orchestrator's position in the fallback walk (0 = primary pick) and
// only influences the usage outcome label and the response.
//
// Transient failures (rate limit, timeout, flaky network) are retried
// up to the budget with full-jitter backoff, honoring a provider
// Retry-After when it is longer. Streaming attempts stop retrying the
// moment the first delta has been delivered; replaying half an answer
// at the caller is worse than failing loudly.
func (e *Executor) Run(ctx context.Context, req *types.Request, m *registry.Model, attemptIndex int) (*types.Response, error) {
	start := time.Now()

	client, release, err := e.pool.Acquire(ctx, m.Provider)
	if err != nil {
		if cerr, ok := types.AsError(err); ok {
			return nil, cerr.WithTrace(req.TraceID)
		}
		return nil, types.Wrap(types.KindProviderUnavailable, err, "%s: no client", m.Provider).
			WithTrace(req.TraceID)
	}
	defer release()

	call := provider.Call{
		Model:       m,
		Prompt:      req.Prompt,
		System:      req.System,
		Images:      req.Images,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		RequireJSON: req.RequireJSON,
	}

	var deltas atomic.Int64
	calls := 0

	for try := 0; ; try++ {
		calls++
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout())
		res, err := e.invoke(attemptCtx, client, call, req, &deltas)
		cancel()

		if err == nil {
			e.pool.ReportSuccess(m.Provider)
			cost := client.Cost(res.InputTokens, res.OutputTokens, m)
			outcome := successOutcome(attemptIndex, calls)
			e.emit(req, m, start, res, cost, outcome, "")

			MetricDuration("provider/"+m.Provider, "generate", time.Duration(res.RawLatencyMS)*time.Millisecond)
			MetricCost("provider/"+m.Provider, cost)
			MetricOutcome("executor", "attempt", string(outcome))

			return &types.Response{
				Content:      res.Content,
				ModelID:      m.ID,
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				LatencyMS:    time.Since(start).Milliseconds(),
				CostUSD:      cost,
				AttemptIndex: attemptIndex,
				FinishReason: res.FinishReason,
				TraceID:      req.TraceID,
			}, nil
		}

		cerr := classify(m.Provider, err)

		// The request-level context outranks everything. When it is
		// already dead the failure is a cancellation, not the
		// provider's fault.
		if ctx.Err() != nil {
			cerr = types.Wrap(types.KindOf(ctx.Err()), ctx.Err(), "%s: attempt abandoned", m.ID)
		}

		if providerFault(cerr.Kind) {
			e.pool.ReportFailure(m.Provider, cerr.Kind)
		}

		retryable := types.IsTransient(cerr.Kind) &&
			try < e.maxRetries &&
			deltas.Load() == 0 &&
			ctx.Err() == nil

		if !retryable {
			final := finalizeError(cerr, req.TraceID, m.ID, calls)
			e.emit(req, m, start, nil, 0, types.OutcomeFailed, string(final.Kind))
			MetricOutcome("executor", "attempt", string(types.OutcomeFailed))
			L_warn("executor: attempt failed", "model", m.ID, "kind", final.Kind,
				"calls", calls, "trace", req.TraceID)
			return nil, final
		}

		delay := backoff(try, cerr.RetryAfter)
		L_debug("executor: transient failure, backing off", "model", m.ID,
			"kind", cerr.Kind, "try", try+1, "delay", delay, "trace", req.TraceID)
		MetricInc("executor", "retries")

		if err := e.sleep(ctx, delay); err != nil {
			final := types.Wrap(types.KindOf(err), err, "%s: backoff interrupted", m.ID).
				WithTrace(req.TraceID)
			e.emit(req, m, start, nil, 0, types.OutcomeFailed, string(final.Kind))
			return nil, final
		}
	}
}

// invoke issues one wire call. Streaming requests go through Stream
// with a delta-counting wrapper; adapters without streaming fall back
// to Generate and deliver the whole answer as a single delta so the
// caller sees a uniform callback contract.
func (e *Executor) invoke(ctx context.Context, client provider.Client, call provider.Call, req *types.Request, deltas *atomic.Int64) (*provider.Result, error) {
	if !req.WantsStream() {
		return client.Generate(ctx, call)
	}

	res, err := client.Stream(ctx, call, func(d string) {
		deltas.Add(1)
		req.OnDelta(d)
	})
	if errors.Is(err, provider.ErrNoStream) {
		res, err = client.Generate(ctx, call)
		if err == nil && res.Content != "" {
			deltas.Add(1)
			req.OnDelta(res.Content)
		}
	}
	return res, err
}

// emit writes the accounting row for one finished attempt. Sink
// trouble is logged and swallowed; accounting never fails a request.
func (e *Executor) emit(req *types.Request, m *registry.Model, start time.Time, res *provider.Result, cost float64, outcome types.Outcome, errKind string) {
	rec := types.UsageRecord{
		TraceID:    req.TraceID,
		ModelID:    m.ID,
		Provider:   m.Provider,
		StartedAt:  start,
		FinishedAt: time.Now(),
		CostUSD:    cost,
		Outcome:    outcome,
		Error:      errKind,
	}
	if res != nil {
		rec.InputTokens = res.InputTokens
		rec.OutputTokens = res.OutputTokens
	}
	if err := e.sink.Append(rec); err != nil {
		L_warn("executor: usage append failed", "model", m.ID, "error", err)
	}
}

// providerFault reports whether a failure kind says anything about
// provider health. Caller mistakes and refusals do not.
func providerFault(k types.Kind) bool {
	switch k {
	case types.KindRateLimited, types.KindTimeout, types.KindNetworkTransient, types.KindProviderUnavailable:
		return true
	}
	return false
}

func successOutcome(attemptIndex, calls int) types.Outcome {
	switch {
	case attemptIndex > 0:
		return types.OutcomeFallbackUsed
	case calls > 1:
		return types.OutcomeRetried
	default:
		return types.OutcomeOK
	}
}

// classify normalizes any error into a classified one. Adapters
// already classify their own failures; this catches what leaks
// through (context errors, test fakes).
func classify(providerTag string, err error) *types.Error {
	if cerr, ok := types.AsError(err); ok {
		return cerr
	}
	return provider.Classify(providerTag, err)
}

func finalizeError(cerr *types.Error, traceID, modelID string, calls int) *types.Error {
	out := *cerr
	if calls > 1 {
		out.Message = fmt.Sprintf("%s (%d calls)", out.Message, calls)
	}
	out.TraceID = traceID
	return &out
}

// backoff computes the wait before retry number try+1: full jitter
// over an exponential window, never above the cap, never below a
// provider-supplied Retry-After.
func backoff(try int, retryAfter time.Duration) time.Duration {
	window := backoffBase << uint(try)
	if window > backoffCap {
		window = backoffCap
	}
	d := time.Duration(rand.Int63n(int64(window) + 1))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
