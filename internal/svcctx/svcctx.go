// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/config"
	"github.com/jackzampolin/bindery/internal/pgdocker"
	"github.com/jackzampolin/bindery/internal/pipeline"
	"github.com/jackzampolin/bindery/internal/progress"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store        *store.Store
	Queue        *queue.Queue
	Cache        *cache.Cache
	Orchestrator *pipeline.Orchestrator
	Reporter     *progress.Reporter
	Hub          *progress.Hub
	Config       *config.Manager
	Postgres     *pgdocker.DockerManager
	Logger       *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the relational store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// QueueFrom extracts the job queue from context.
func QueueFrom(ctx context.Context) *queue.Queue {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// CacheFrom extracts the stage cache from context.
func CacheFrom(ctx context.Context) *cache.Cache {
	if s := ServicesFrom(ctx); s != nil {
		return s.Cache
	}
	return nil
}

// OrchestratorFrom extracts the pipeline orchestrator from context.
func OrchestratorFrom(ctx context.Context) *pipeline.Orchestrator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Orchestrator
	}
	return nil
}

// ReporterFrom extracts the status reporter from context.
func ReporterFrom(ctx context.Context) *progress.Reporter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Reporter
	}
	return nil
}

// HubFrom extracts the progress websocket hub from context.
func HubFrom(ctx context.Context) *progress.Hub {
	if s := ServicesFrom(ctx); s != nil {
		return s.Hub
	}
	return nil
}

// PostgresFrom extracts the managed postgres container, if any.
func PostgresFrom(ctx context.Context) *pgdocker.DockerManager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Postgres
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}
