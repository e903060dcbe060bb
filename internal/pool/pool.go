// Package pool owns the live provider clients. It builds them lazily
// from config secrets, bounds in-flight calls per provider with
// buffered channel semaphores, tears a client down after repeated
// failures, and keeps the cooldown book the orchestrator consults
// before routing to a provider.
package pool

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/roelfdiedericks/goherd/internal/config"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/provider"
	"github.com/roelfdiedericks/goherd/internal/types"
)

const (
	// defaultConcurrency is the per-provider in-flight cap when the
	// config does not override it.
	defaultConcurrency = 8

	// teardownFailures consecutive failures inside teardownWindow drop
	// the cached client; the next Acquire rebuilds it.
	teardownFailures = 5
	teardownWindow   = 60 * time.Second
)

// factory builds one provider client. Tests swap it out.
type factory func(tag string, sec config.ProviderSecrets, opts provider.Options) (provider.Client, error)

// entry is one provider's slot: the cached client, its semaphore, and
// the teardown failure window.
type entry struct {
	mu          sync.Mutex
	client      provider.Client
	failures    int
	windowStart time.Time

	sem chan struct{}
}

// cooldown tracks backoff state for a provider after rate limits or
// availability failures.
type cooldown struct {
	until    time.Time
	failures int
	reason   types.Kind
}

// Status reports one provider's pool state for the health surface.
type Status struct {
	Provider   string     `json:"provider"`
	InCooldown bool       `json:"inCooldown"`
	Until      time.Time  `json:"until,omitempty"`
	Reason     types.Kind `json:"reason,omitempty"`
	Failures   int        `json:"failures,omitempty"`
}

// Pool manages provider clients and their concurrency slots. All
// methods are safe for concurrent use.
type Pool struct {
	cfg     *config.Config
	secrets config.SecretsSource
	opts    provider.Options
	build   factory

	mu        sync.Mutex
	entries   map[string]*entry
	sweepStop chan struct{}

	cdMu      sync.RWMutex
	cooldowns map[string]*cooldown
}

// New builds a Pool over the merged config. opts is shared by every
// adapter the pool constructs.
func New(cfg *config.Config, opts provider.Options) *Pool {
	return &Pool{
		cfg:       cfg,
		secrets:   config.NewSecrets(cfg),
		opts:      opts,
		build:     provider.New,
		entries:   make(map[string]*entry),
		cooldowns: make(map[string]*cooldown),
	}
}

// SetFactory replaces the client constructor. Tests inject fakes.
func (p *Pool) SetFactory(fn func(tag string, sec config.ProviderSecrets, opts provider.Options) (provider.Client, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.build = fn
}

func (p *Pool) concurrency(tag string) int {
	if n, ok := p.cfg.PerProviderConcurrency[tag]; ok && n > 0 {
		return n
	}
	return defaultConcurrency
}

func (p *Pool) entryFor(tag string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[tag]
	if !ok {
		e = &entry{sem: make(chan struct{}, p.concurrency(tag))}
		p.entries[tag] = e
	}
	return e
}

// clientFor returns the cached client for an entry, building it on
// first use and after a teardown.
func (p *Pool) clientFor(tag string, e *entry) (provider.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	sec, _ := p.secrets.Get(tag)
	c, err := p.build(tag, sec, p.opts)
	if err != nil {
		return nil, err
	}
	L_debug("pool: built client", "provider", tag)
	e.client = c
	return c, nil
}

// Acquire blocks until an in-flight slot for the provider frees up or
// ctx ends, then returns the provider's client and the release func
// for the slot. Construction failures release the slot before
// returning.
func (p *Pool) Acquire(ctx context.Context, tag string) (provider.Client, func(), error) {
	e := p.entryFor(tag)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, types.Wrap(types.KindOf(ctx.Err()), ctx.Err(), "acquire %s slot", tag)
	}

	client, err := p.clientFor(tag, e)
	if err != nil {
		<-e.sem
		return nil, nil, err
	}
	return client, func() { <-e.sem }, nil
}

// ReportFailure records one failed attempt against a provider.
// Repeated failures inside the teardown window drop the cached client,
// and rate-limit or availability kinds start or extend a cooldown.
func (p *Pool) ReportFailure(tag string, kind types.Kind) {
	e := p.entryFor(tag)

	e.mu.Lock()
	now := time.Now()
	if now.Sub(e.windowStart) > teardownWindow {
		e.windowStart = now
		e.failures = 1
	} else {
		e.failures++
	}
	if e.failures >= teardownFailures && e.client != nil {
		L_warn("pool: tearing down client after repeated failures",
			"provider", tag, "failures", e.failures, "window", teardownWindow)
		e.client = nil
		e.failures = 0
	}
	e.mu.Unlock()

	if kind == types.KindRateLimited || kind == types.KindProviderUnavailable {
		p.markCooldown(tag, kind)
	}
}

// ReportSuccess resets the provider's failure window and lifts any
// cooldown.
func (p *Pool) ReportSuccess(tag string) {
	e := p.entryFor(tag)
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	p.clearCooldown(tag)
}

// cooldownDuration grows 1m, 5m, 25m, then caps at 1h.
func cooldownDuration(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	exponent := min(failures-1, 3)
	d := time.Duration(float64(time.Minute) * math.Pow(5, float64(exponent)))
	if d > time.Hour {
		return time.Hour
	}
	return d
}

func (p *Pool) markCooldown(tag string, kind types.Kind) {
	p.cdMu.Lock()
	defer p.cdMu.Unlock()

	cd := p.cooldowns[tag]
	if cd == nil {
		cd = &cooldown{}
		p.cooldowns[tag] = cd
	}
	cd.failures++
	cd.reason = kind
	cd.until = time.Now().Add(cooldownDuration(cd.failures))

	L_warn("pool: provider cooldown",
		"provider", tag,
		"until", cd.until.Format("15:04:05"),
		"reason", kind,
		"failures", cd.failures)
}

// InCooldown reports whether routing should currently skip the
// provider.
func (p *Pool) InCooldown(tag string) bool {
	p.cdMu.RLock()
	defer p.cdMu.RUnlock()
	cd := p.cooldowns[tag]
	return cd != nil && time.Now().Before(cd.until)
}

func (p *Pool) clearCooldown(tag string) {
	p.cdMu.Lock()
	defer p.cdMu.Unlock()
	if cd := p.cooldowns[tag]; cd != nil {
		if time.Now().Before(cd.until) {
			L_info("pool: provider recovered", "provider", tag, "wasReason", cd.reason)
		}
		delete(p.cooldowns, tag)
	}
}

// ClearCooldowns lifts every cooldown and returns how many were set.
func (p *Pool) ClearCooldowns() int {
	p.cdMu.Lock()
	defer p.cdMu.Unlock()
	n := len(p.cooldowns)
	p.cooldowns = make(map[string]*cooldown)
	if n > 0 {
		L_info("pool: cooldowns cleared", "count", n)
	}
	return n
}

// Statuses lists pool state for every provider the pool has touched,
// sorted by tag.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	tags := make([]string, 0, len(p.entries))
	for tag := range p.entries {
		tags = append(tags, tag)
	}
	p.mu.Unlock()
	sort.Strings(tags)

	p.cdMu.RLock()
	defer p.cdMu.RUnlock()
	now := time.Now()
	out := make([]Status, 0, len(tags))
	for _, tag := range tags {
		st := Status{Provider: tag}
		if cd := p.cooldowns[tag]; cd != nil && now.Before(cd.until) {
			st.InCooldown = true
			st.Until = cd.until
			st.Reason = cd.reason
			st.Failures = cd.failures
		}
		out = append(out, st)
	}
	return out
}

// HealthAll probes the given provider tags in parallel. Each adapter
// caches its probe up to the health TTL, so repeat calls stay cheap.
func (p *Pool) HealthAll(ctx context.Context, tags []string) map[string]provider.HealthStatus {
	out := make(map[string]provider.HealthStatus, len(tags))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, tag := range tags {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			hs := p.healthOne(ctx, tag)
			mu.Lock()
			out[tag] = hs
			mu.Unlock()
		}(tag)
	}
	wg.Wait()
	return out
}

func (p *Pool) healthOne(ctx context.Context, tag string) provider.HealthStatus {
	e := p.entryFor(tag)
	client, err := p.clientFor(tag, e)
	if err != nil {
		return provider.HealthStatus{Available: false, Reason: err.Error(), CheckedAt: time.Now()}
	}
	return client.Health(ctx)
}
