// goherd routes each prompt to the model best suited for it, falling
// back across providers when one misbehaves. It can also put a prompt
// to a consensus panel or run multi-step pipelines with checkpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/goherd/internal/chain"
	"github.com/roelfdiedericks/goherd/internal/config"
	"github.com/roelfdiedericks/goherd/internal/consensus"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/orchestrator"
	"github.com/roelfdiedericks/goherd/internal/pool"
	"github.com/roelfdiedericks/goherd/internal/provider"
	"github.com/roelfdiedericks/goherd/internal/registry"
	"github.com/roelfdiedericks/goherd/internal/usage"
)

const version = "0.1.0"

// CLI is the kong grammar: global flags first, one field per command.
type CLI struct {
	Config    string `help:"Config file (default ~/.goherd/goherd.json)." type:"path" placeholder:"FILE"`
	LogLevel  string `name:"log-level" help:"Log level: trace, debug, info, warn or error." placeholder:"LEVEL"`
	LogCaller bool   `name:"log-caller" help:"Annotate log lines with their call site."`

	Ask       askCmd       `cmd:"" help:"Route one prompt to the best model and print the answer."`
	Consensus consensusCmd `cmd:"" help:"Put a prompt to a panel of models and aggregate their answers."`
	Chain     chainCmd     `cmd:"" help:"Run or resume multi-step pipelines."`
	Models    modelsCmd    `cmd:"" help:"List the model catalog."`
	Health    healthCmd    `cmd:"" help:"Probe provider health and show cooldowns."`
	Version   versionCmd   `cmd:"" help:"Print the goherd version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("goherd"),
		kong.Description("goherd routes each prompt to the model best suited for it. It can also put a prompt to a consensus panel, or run multi-step pipelines that checkpoint after every step."),
		kong.UsageOnError(),
	)

	// version never needs config, providers or a registry
	if kctx.Command() == "version" {
		fmt.Printf("goherd %s\n", version)
		return
	}

	// Initialize logging before anything else logs; the config file's
	// level is applied afterwards unless --log-level overrides it.
	Init(&Config{
		Level:      ParseLevel(cli.LogLevel),
		ShowCaller: cli.LogCaller,
	})

	a, err := newApp(&cli)
	if err != nil {
		L_fatal("goherd: startup failed: %v", err)
	}
	defer a.close()

	if err := kctx.Run(a); err != nil {
		a.close()
		L_fatal("goherd: %v", err)
	}
}

// app holds the wired runtime every command runs against.
type app struct {
	ctx  context.Context
	stop context.CancelFunc

	cfg     *config.Config
	reg     *registry.Registry
	watcher *registry.Watcher
	pool    *pool.Pool
	svc     *orchestrator.Service
	panel   *consensus.Engine
	store   chain.CheckpointStore
	chains  *chain.Runner
}

func newApp(cli *CLI) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel == "" && cfg.Logging.Level != "" {
		SetLevel(ParseLevel(cfg.Logging.Level))
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{ctx: ctx, stop: stop, cfg: cfg, reg: reg}

	// Watching only makes sense for an on-disk manifest; the embedded
	// catalog never changes underneath us.
	if cfg.WatchRegistry && cfg.RegistryPath != "" {
		w, err := registry.NewWatcher(reg)
		if err != nil {
			L_warn("registry: watch unavailable", "error", err)
		} else if err := w.Start(ctx); err != nil {
			L_warn("registry: watch failed to start", "error", err)
		} else {
			a.watcher = w
		}
	}

	a.pool = pool.New(cfg, provider.Options{HealthTTL: cfg.HealthTTL()})
	if cfg.HealthSweepSchedule != "" {
		if err := a.pool.StartSweep(cfg.HealthSweepSchedule, reg); err != nil {
			L_warn("pool: health sweep not started", "error", err)
		}
	}

	sink, err := usage.Open(cfg.Usage)
	if err != nil {
		a.close()
		return nil, err
	}

	svc, err := orchestrator.New(cfg, reg, a.pool, sink)
	if err != nil {
		sink.Close()
		a.close()
		return nil, err
	}
	a.svc = svc
	a.panel = consensus.New(cfg, reg, svc.Selector(), svc)

	store, err := chain.OpenStore(cfg.Checkpoints)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.chains = chain.New(cfg, svc, store)

	L_debug("goherd: wired",
		"registry", reg.Version(),
		"models", len(reg.List(registry.Filter{})),
		"strategy", cfg.DefaultStrategy)
	return a, nil
}

// close tears the app down in reverse wiring order. Closing the
// service flushes the usage sink.
func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.pool != nil {
		a.pool.StopSweep()
	}
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			L_warn("shutdown: usage sink close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			L_warn("shutdown: checkpoint store close failed", "error", err)
		}
	}
	a.stop()
}
