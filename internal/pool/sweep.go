package pool

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// sweepTimeout bounds one full probe pass across all providers.
const sweepTimeout = 30 * time.Second

// StartSweep begins background health probing on a cron schedule
// (standard five-field spec) and feeds the registry availability
// overlay: models of an unhealthy provider are overlaid unavailable
// until a later sweep sees the provider recover. An empty spec is a
// no-op.
func (p *Pool) StartSweep(spec string, reg *registry.Registry) error {
	if spec == "" {
		return nil
	}

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return types.Wrap(types.KindConfiguration, err, "parse health sweep schedule %q", spec).
			WithHint("use a five-field cron spec, e.g. \"*/5 * * * *\"")
	}

	p.mu.Lock()
	if p.sweepStop != nil {
		p.mu.Unlock()
		return types.Errorf(types.KindConfiguration, "health sweep already running")
	}
	stopCh := make(chan struct{})
	p.sweepStop = stopCh
	p.mu.Unlock()

	go p.runSweep(schedule, reg, stopCh)
	L_info("pool: health sweep started", "schedule", spec)
	return nil
}

// StopSweep halts the background sweep. Safe to call when none runs.
func (p *Pool) StopSweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sweepStop != nil {
		close(p.sweepStop)
		p.sweepStop = nil
		L_info("pool: health sweep stopped")
	}
}

func (p *Pool) runSweep(schedule cronlib.Schedule, reg *registry.Registry, stopCh chan struct{}) {
	for {
		timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			p.SweepOnce(context.Background(), reg)
		}
	}
}

// SweepOnce probes every provider in the catalog and overlays
// availability on the models of providers that fail. Exposed so the
// health command can force a refresh.
func (p *Pool) SweepOnce(ctx context.Context, reg *registry.Registry) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	health := p.HealthAll(ctx, reg.Providers())
	for tag, hs := range health {
		for _, m := range reg.List(registry.Filter{Provider: tag}) {
			reg.SetAvailable(m.ID, hs.Available, hs.Reason)
		}
		if !hs.Available {
			L_warn("pool: sweep marked provider down", "provider", tag, "reason", hs.Reason)
		}
	}
}
