package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	workflow "github.com/goliatone/go-workflow"
	"github.com/goliatone/go-workflow/config"
	"github.com/goliatone/go-workflow/directory"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/logging"
	"github.com/goliatone/go-workflow/metrics"
	"github.com/goliatone/go-workflow/notify"
	"github.com/goliatone/go-workflow/scheduler"
	"github.com/goliatone/go-workflow/store"
)

type globals struct {
	configPath string
	out        io.Writer
}

func (g *globals) config() (config.Config, error) {
	if strings.TrimSpace(g.configPath) == "" {
		return config.Default(), nil
	}
	return config.Load(g.configPath)
}

// runtime holds the wired components for one command invocation.
type runtime struct {
	cfg      config.Config
	logger   workflow.Logger
	store    store.Store
	engine   *engine.Engine
	pubsub   *gochannel.GoChannel
	notifier *notify.Publisher
	registry *prometheus.Registry
	metrics  *metrics.Recorder
}

func (g *globals) runtime(ctx context.Context) (*runtime, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logging.New(cfg.Logging.Level, cfg.Logging.Format, nil)}

	switch cfg.Store.Driver {
	case "memory":
		rt.store = store.NewMemoryStore()
	default:
		sqlStore, err := store.OpenSQLStore(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		rt.store = sqlStore
	}

	dir, err := directory.FromMap(cfg.Directory.Users, cfg.Directory.Permissions...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("directory: %w", err)
	}

	rt.pubsub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	rt.notifier = notify.NewPublisher(rt.pubsub, notify.WithTopicPrefix(cfg.Notifications.TopicPrefix))
	notifiers := engine.MultiNotifier{rt.notifier}
	if cfg.Notifications.Log {
		notifiers = append(notifiers, notify.NewLog(rt.logger))
	}

	opts := []engine.Option{
		engine.WithLogger(rt.logger),
		engine.WithNotifier(notifiers),
		engine.WithRoleDirectory(dir),
		engine.WithPermissionChecker(dir),
		engine.WithCallTimeout(cfg.Engine.CallTimeout),
		engine.WithDelegationCacheTTL(cfg.Engine.DelegationCacheTTL),
		engine.WithAdminRoles(cfg.Engine.AdminRoles...),
	}
	switch cfg.Engine.AutoStrategy {
	case "round_robin":
		opts = append(opts, engine.WithAutoStrategy(engine.NewRoundRobin()))
	case "least_loaded":
		opts = append(opts, engine.WithAutoStrategy(engine.NewLeastLoaded(rt.store)))
	}
	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.metrics, err = metrics.New(rt.registry, cfg.Metrics.Namespace)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		opts = append(opts, engine.WithMetrics(rt.metrics))
	}

	rt.engine, err = engine.New(rt.store, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	for _, path := range cfg.Definitions {
		if err := rt.loadDefinitions(ctx, path); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// loadDefinitions stores the definitions of path that are not stored yet.
func (rt *runtime) loadDefinitions(ctx context.Context, path string) error {
	set, err := workflow.LoadDefinitionSet(path)
	if err != nil {
		return err
	}
	pending := set
	pending.Definitions = nil
	for _, def := range set.Definitions {
		existing, err := rt.engine.Definitions(ctx, def.Name)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			pending.Definitions = append(pending.Definitions, def)
		}
	}
	if len(pending.Definitions) == 0 {
		return nil
	}
	loaded, err := rt.engine.LoadDefinitionSet(ctx, pending)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	rt.logger.Info("loaded %d definitions from %s", len(loaded), path)
	return nil
}

func (rt *runtime) sweeper() *scheduler.Sweeper {
	opts := []scheduler.SweeperOption{
		scheduler.WithSweepLogger(rt.logger),
		scheduler.WithLookahead(rt.cfg.Scheduler.Lookahead),
		scheduler.WithBatchLimit(rt.cfg.Scheduler.BatchLimit),
	}
	if rt.metrics != nil {
		opts = append(opts, scheduler.WithSweepMetrics(rt.metrics))
	}
	return scheduler.NewSweeper(rt.engine, opts...)
}

func (rt *runtime) Close() {
	if rt.pubsub != nil {
		if err := rt.pubsub.Close(); err != nil {
			rt.logger.Warn("close pubsub: %v", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close store: %v", err)
		}
	}
}
