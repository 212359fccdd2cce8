// Package app wires a workspace into a running service: database, schema,
// policy config, engine, collaborators and background workers.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"servimatch/internal/chat"
	"servimatch/internal/clock"
	"servimatch/internal/config"
	"servimatch/internal/db"
	"servimatch/internal/engine"
	"servimatch/internal/metrics"
	"servimatch/internal/migrate"
	"servimatch/internal/notify"
	"servimatch/internal/scheduler"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/servimatch.yml.
	ConfigPath string
	Clock      clock.Clock
	Logger     *slog.Logger
}

// App holds everything a command needs. Close releases the database.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Metrics    *metrics.Metrics
	Dispatcher *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	Logger     *slog.Logger
}

// LoadConfig resolves the policy file for opts.
func LoadConfig(opts Options) (*config.Config, error) {
	if strings.TrimSpace(opts.ConfigPath) != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	return config.LoadOrDefault(opts.Workspace)
}

// Open prepares the workspace and migrates the schema before returning.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New()
	e := engine.New(conn, cfg, clk)
	e.Logger = logger.With("component", "engine")
	e.Metrics = m
	e.Chat = messenger(cfg.Chat, logger)

	sched := scheduler.New(e, clk, scheduler.Config{
		RequestExpiryInterval:   cfg.Scheduler.RequestExpiryInterval,
		ObligationSweepInterval: cfg.Scheduler.ObligationSweepInterval,
	}, logger.With("component", "scheduler"), m)
	disp := notify.New(e.Repo, cfg.Notifications, logger.With("component", "dispatcher"), m)

	return &App{
		DB:         conn,
		Config:     cfg,
		Engine:     e,
		Metrics:    m,
		Dispatcher: disp,
		Scheduler:  sched,
		Logger:     logger,
	}, nil
}

func messenger(cfg config.Chat, logger *slog.Logger) chat.Messenger {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return chat.NewLocal(logger.With("component", "chat"))
	}
	return chat.NewHTTPMessenger(cfg.Endpoint, cfg.Token, cfg.Timeout)
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
