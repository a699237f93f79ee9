package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/core"
	"github.com/droverhq/drover/internal/job"
	"gopkg.in/yaml.v3"
)

func init() {
	core.RegisterModule(&Module{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Config holds the maintenance module configuration.
type Config struct {
	Retention RetentionConfig `yaml:"retention"`
	Stats     StatsConfig     `yaml:"stats"`
}

// RetentionConfig controls the terminal-job purge.
type RetentionConfig struct {
	Disabled bool          `yaml:"disabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// StatsConfig controls the periodic queue depth log line.
type StatsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Schedule string `yaml:"schedule"`
}

func (c *Config) defaults() {
	if c.Retention.MaxAge <= 0 {
		c.Retention.MaxAge = 7 * 24 * time.Hour
	}
}

// Module wires the periodic maintenance jobs into the application lifecycle.
type Module struct {
	config    Config
	logger    *slog.Logger
	appCtx    *core.AppContext
	scheduler *Scheduler
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "cron.maintenance",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("cron: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	m.logger = ctx.Logger
	m.appCtx = ctx
	m.scheduler = NewScheduler(ctx.Logger)
	return nil
}

// Start implements core.Starter: resolves the store, registers the enabled
// jobs, and starts the cron scheduler.
func (m *Module) Start() error {
	svc, ok := m.appCtx.Service("job.store")
	if !ok {
		return errors.New("cron: job.store service not registered")
	}
	store, ok := svc.(job.Store)
	if !ok {
		return fmt.Errorf("cron: job.store service has type %T", svc)
	}

	if !m.config.Retention.Disabled {
		if err := m.scheduler.RegisterJob(&RetentionJob{
			Store:        store,
			MaxAge:       m.config.Retention.MaxAge,
			Logger:       m.logger,
			ScheduleExpr: m.config.Retention.Schedule,
		}); err != nil {
			return err
		}
	}
	if !m.config.Stats.Disabled {
		if err := m.scheduler.RegisterJob(&QueueStatsJob{
			Store:        store,
			Logger:       m.logger,
			ScheduleExpr: m.config.Stats.Schedule,
		}); err != nil {
			return err
		}
	}

	return m.scheduler.Start()
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Stop(ctx)
}
