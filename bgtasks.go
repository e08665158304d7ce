// Package bgtasks assembles the background task plugin: a supervisor that
// runs subagents in child sessions of a coding-assistant host, watches them
// to completion, and reports their results back to the session that
// launched them.
package bgtasks

import (
	"context"
	"time"

	"github.com/opencode-plugins/bgtasks/internal/agents"
	"github.com/opencode-plugins/bgtasks/internal/breaker"
	"github.com/opencode-plugins/bgtasks/internal/common/config"
	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/host"
	"github.com/opencode-plugins/bgtasks/internal/limiter"
	"github.com/opencode-plugins/bgtasks/internal/manager"
	"github.com/opencode-plugins/bgtasks/internal/metrics"
	"github.com/opencode-plugins/bgtasks/internal/notify"
	"github.com/opencode-plugins/bgtasks/internal/persistence"
	"github.com/opencode-plugins/bgtasks/internal/tools"
)

// Options configure plugin assembly. Host is required. Sender delivers
// completion notifications into the parent session; leaving it nil disables
// notifications.
type Options struct {
	Host     host.Client
	Sender   notify.Sender
	Config   *config.Config
	Variants agents.VariantResolver
	Logger   *logger.Logger
}

// Plugin is the assembled background task subsystem.
type Plugin struct {
	config  *config.Config
	logger  *logger.Logger
	bus     bus.Bus
	manager *manager.Manager
	tools   *tools.Handler
	metrics *metrics.Collector
}

// New assembles the plugin with the default collaborator graph.
func New(opts Options) (*Plugin, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		var err error
		log, err = logger.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	eventBus := bus.NewMemoryBus(log)
	collector := metrics.NewCollector(eventBus)

	lim := limiter.New(limiter.Config{
		DefaultLimit:   cfg.Limiter.DefaultLimit,
		AcquireTimeout: cfg.Limiter.AcquireTimeout(),
		ModelLimits:    cfg.Limiter.ModelLimits,
	}, log)

	notifier := notify.NewService(
		notify.Config{
			RetryAttempts: cfg.Notifications.RetryAttempts,
			RetryDelay:    cfg.Notifications.RetryDelay(),
		},
		opts.Sender,
		breaker.New(breaker.Config{
			FailureThreshold: cfg.Notifications.FailureThreshold,
			RecoveryTimeout:  cfg.Notifications.RecoveryTimeout(),
			HalfOpenMaxCalls: cfg.Notifications.HalfOpenMaxCalls,
		}, log),
		eventBus,
		log,
	)

	store := persistence.NewStore(cfg.Manager.StatePath, log)

	mgr, err := manager.New(cfg.Manager, manager.Deps{
		Host:     opts.Host,
		Bus:      eventBus,
		Limiter:  lim,
		Notifier: notifier,
		Store:    store,
		Variants: opts.Variants,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	return &Plugin{
		config:  cfg,
		logger:  log,
		bus:     eventBus,
		manager: mgr,
		tools:   tools.NewHandler(mgr, log),
		metrics: collector,
	}, nil
}

// Start restores persisted state and begins background reconciliation.
func (p *Plugin) Start(ctx context.Context) {
	p.manager.LoadState()
	p.manager.Start(ctx)
}

// Shutdown pauses launches, waits briefly for live tasks, persists state,
// and stops background work.
func (p *Plugin) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	p.manager.Pause()
	drainErr := p.manager.Drain(ctx, drainTimeout)
	saveErr := p.manager.SaveState()
	p.manager.Stop()
	p.metrics.Close()
	if drainErr != nil {
		return drainErr
	}
	return saveErr
}

// Manager exposes the task manager.
func (p *Plugin) Manager() *manager.Manager {
	return p.manager
}

// Tools exposes the tool handlers.
func (p *Plugin) Tools() *tools.Handler {
	return p.tools
}

// Bus exposes the lifecycle event bus.
func (p *Plugin) Bus() bus.Bus {
	return p.bus
}

// Metrics exposes the metrics collector.
func (p *Plugin) Metrics() *metrics.Collector {
	return p.metrics
}

// HandleSessionStatus forwards a host session status event to the manager.
func (p *Plugin) HandleSessionStatus(ev host.StatusEvent) {
	p.manager.HandleSessionStatus(ev)
}

// SystemPromptBlock returns the status block for a parent session's system
// prompt, or an empty string when there is nothing to report.
func (p *Plugin) SystemPromptBlock(parentSessionID string) string {
	return p.manager.SystemPromptBlock(parentSessionID)
}
