// Package app assembles the runtime shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"hubline/internal/config"
	"hubline/internal/db"
	"hubline/internal/domain"
	"hubline/internal/engine"
	"hubline/internal/jobs"
	"hubline/internal/migrate"
	"hubline/internal/repo"
	"hubline/internal/telemetry"
)

// Store is everything the runtime needs from storage. repo.Repo and
// *repo.Memory both satisfy it.
type Store interface {
	engine.Store
	jobs.Store
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type App struct {
	Config    *config.Config
	Log       logrus.FieldLogger
	Store     Store
	Decisions engine.Engine
	Jobs      *jobs.Engine

	conn *sql.DB
}

type Options struct {
	Workspace string
	Version   string
	Log       logrus.FieldLogger
	// Store replaces the configured storage, mostly for tests.
	Store Store
}

// Open builds the store, engines and generator described by cfg.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		Version:        opts.Version,
		MetricInterval: cfg.Telemetry.MetricInterval,
	}); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a := &App{Config: cfg, Log: log, Store: opts.Store}
	if a.Store == nil {
		store, conn, err := openStore(ctx, cfg, opts.Workspace)
		if err != nil {
			return nil, err
		}
		a.Store, a.conn = store, conn
	}

	gen, err := NewGenerator(cfg.AI, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.Decisions = engine.New(a.Store, log.WithField("component", "decisions"))
	a.Jobs = jobs.New(a.Store, gen, jobs.Config{
		TTL:             cfg.Jobs.TTL,
		PollInterval:    time.Duration(cfg.Jobs.PollIntervalMS) * time.Millisecond,
		CompletionDelay: cfg.Jobs.CompletionDelay,
		Workers:         cfg.Jobs.Workers,
	}, log.WithField("component", "jobs"))
	a.Jobs.Context = PendingSource{Decisions: a.Decisions}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, workspace string) (Store, *sql.DB, error) {
	if cfg.Storage.Driver == "memory" {
		return repo.NewMemory(), nil, nil
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Storage.Path, BusyTimeoutMS: cfg.Storage.BusyTimeoutMS})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return repo.New(conn), conn, nil
}

// NewGenerator picks the content generator for cfg.Provider.
func NewGenerator(cfg config.AIConfig, log logrus.FieldLogger) (jobs.Generator, error) {
	switch cfg.Provider {
	case "", "template":
		return jobs.TemplateGenerator{}, nil
	case "anthropic":
		g, err := jobs.NewAnthropicGenerator(jobs.AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			BaseURL:   cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic generator: %w", err)
		}
		g.Log = log.WithField("component", "ai")
		return g, nil
	}
	return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
}

func (a *App) closeStore() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// Close drains pending jobs, then releases storage and telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Jobs != nil {
		if err := a.Jobs.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain jobs: %w", err))
		}
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	telemetry.Shutdown(ctx)
	return errors.Join(errs...)
}

// PendingSource feeds a hub's open and in-review decisions to job generators.
type PendingSource struct {
	Decisions engine.Engine
}

func (s PendingSource) PendingDecisions(ctx context.Context, hubID string) ([]domain.DecisionItem, error) {
	waiting, err := s.Decisions.Waiting(ctx, hubID)
	if err != nil {
		return nil, err
	}
	items := make([]domain.DecisionItem, len(waiting))
	for i, w := range waiting {
		items[i] = w.DecisionItem
	}
	return items, nil
}
