// Package app assembles the store, engine, peers, event log and relay from
// configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pressly/goose/v3"

	"workqueue/internal/adapters/postgres"
	"workqueue/internal/config"
	"workqueue/internal/db"
	"workqueue/internal/engine"
	"workqueue/internal/eventlog"
	"workqueue/internal/events"
	"workqueue/internal/migrate"
	"workqueue/internal/peers"
	"workqueue/internal/ports"
	"workqueue/internal/query"
	"workqueue/internal/relay"
	"workqueue/internal/repo"
	"workqueue/internal/resilience"
	"workqueue/internal/server"
)

type store interface {
	ports.Store
	ports.Outbox
}

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     ports.Store
	Outbox    ports.Outbox
	Policies  *resilience.Factory
	Engine    engine.Engine
	Query     query.Service
	Documents *peers.Documents
	Events    *eventlog.Log
	Relay     relay.Relay
	// Migrations is the schema state observed right after migrating.
	Migrations []*goose.MigrationStatus

	closers []func()
}

// Open connects the configured store, applies pending migrations and wires
// every component.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store, a.Outbox = st, st
	a.Policies = resilience.NewFactory(cfg.Resilience.Defaults, cfg.Resilience.Dependencies, logger)

	e := engine.New(st, cfg.MachinePolicy(), logger)
	e.Events = events.Writer{Partitions: cfg.Events.Partitions}
	e.RequireChecklist = cfg.Workflow.RequireChecklist
	if url := cfg.Peers.Risk; url != "" {
		risk, err := peers.NewRisk(a.peer(url, peers.DepRisk), cfg.Peers.CacheSize, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		e.Risk = risk
	}
	if url := cfg.Peers.Checklist; url != "" {
		e.Checklist = peers.NewChecklist(a.peer(url, peers.DepChecklist))
	}
	if url := cfg.Peers.Documents; url != "" {
		docs, err := peers.NewDocuments(a.peer(url, peers.DepDocuments), cfg.Peers.CacheSize, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Documents = docs
	}
	a.Engine = e
	a.Query = query.New(st)

	routes, err := a.sinks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Events = eventlog.New(routes...)
	a.Relay = relay.Relay{
		Outbox:     st,
		Publisher:  a.Events,
		Batch:      cfg.Events.Relay.Batch,
		Interval:   cfg.Events.Relay.Interval,
		MaxBackoff: cfg.Events.Relay.MaxBackoff,
		Logger:     logger.With("component", "relay"),
	}
	return a, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) peer(baseURL, dependency string) *peers.Client {
	return peers.NewClient(baseURL, a.Config.Peers.Token, a.Policies.Policy(dependency))
}

func (a *App) openStore(ctx context.Context) (store, error) {
	cfg := a.Config.Database
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		conn := pg.SQL()
		defer conn.Close()
		if err := a.migrate(ctx, conn, migrate.Postgres); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		conn, err := db.Open(db.Config{Workspace: cfg.Workspace, Path: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { conn.Close() })
		if err := a.migrate(ctx, conn, migrate.SQLite); err != nil {
			return nil, err
		}
		return repo.Repo{DB: conn}, nil
	}
}

func (a *App) migrate(ctx context.Context, conn *sql.DB, dialect migrate.Dialect) error {
	version, err := migrate.Up(ctx, conn, dialect)
	if err != nil {
		return err
	}
	a.Logger.Debug("schema ready", "dialect", dialect, "version", version)
	a.Migrations, err = migrate.Status(ctx, conn, dialect)
	return err
}

func (a *App) sinks(ctx context.Context) ([]eventlog.Route, error) {
	var routes []eventlog.Route
	for _, s := range a.Config.Events.Sinks {
		var sink eventlog.Sink
		switch s.Kind {
		case config.SinkWebhook:
			sink = eventlog.NewWebhookSink(s.URL, s.Secret, 0)
		case config.SinkS3:
			client, err := eventlog.NewS3Client(ctx, eventlog.S3Options{Region: s.Region, Endpoint: s.Endpoint, ForcePathStyle: s.PathStyle})
			if err != nil {
				return nil, err
			}
			sink = &eventlog.S3Sink{Client: client, Bucket: s.Bucket, Prefix: s.Prefix}
		case config.SinkMemory:
			sink = eventlog.NewMemorySink()
		case config.SinkAudit:
			sink = eventlog.AuditSink{Audit: peers.NewAudit(a.peer(a.Config.Peers.Audit, peers.DepAudit))}
		case config.SinkNotifications:
			sink = eventlog.NotificationSink{
				Notifications:       peers.NewNotifications(a.peer(a.Config.Peers.Notifications, peers.DepNotifications)),
				ComplianceRecipient: s.Recipient,
			}
		default:
			return nil, fmt.Errorf("unknown sink kind %q", s.Kind)
		}
		routes = append(routes, eventlog.Route{Sink: sink, Events: s.Events})
	}
	if len(routes) == 0 {
		a.Logger.Warn("no event sinks configured; relayed events are kept in memory only")
		routes = append(routes, eventlog.Route{Sink: eventlog.NewMemorySink()})
	}
	return routes, nil
}

// Handler builds the HTTP API over the wired components.
func (a *App) Handler() (http.Handler, error) {
	cfg := server.Config{
		Engine: a.Engine,
		Query:  a.Query,
		Auth: server.AuthConfig{
			JWTSecret:    a.Config.Auth.JWTSecret,
			TrustHeaders: a.Config.Auth.TrustHeaders,
		},
		Logger: a.Logger,
	}
	if a.Documents != nil {
		cfg.Documents = a.Documents
	}
	return server.New(cfg)
}
