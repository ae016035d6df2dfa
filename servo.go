// Package servo is a service orchestrator: it spawns, monitors, and restarts
// a registry of long-running services with health probing, warmup gating,
// per-service circuit breakers and dependency-ordered bring-up.
package servo

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/servo/internal/history"
	ch "github.com/loykin/servo/internal/history/clickhouse"
	"github.com/loykin/servo/internal/logger"
	"github.com/loykin/servo/internal/metrics"
	"github.com/loykin/servo/internal/registry"
	iapi "github.com/loykin/servo/internal/server"
	"github.com/loykin/servo/internal/store"
	storefactory "github.com/loykin/servo/internal/store/factory"
	"github.com/loykin/servo/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Definition = registry.Definition

type RunSpec = registry.RunSpec

type FileConfig = registry.FileConfig

type ServiceStatus = supervisor.ServiceStatus

type ProcessInfo = supervisor.ProcessInfo

type State = supervisor.State

type Options = supervisor.Options

type Store = store.Store

type HistorySink = history.Sink

// Orchestrator is a thin facade over internal/supervisor.Orchestrator,
// providing a stable public API for embedding.
type Orchestrator struct{ inner *supervisor.Orchestrator }

// New builds an orchestrator from a validated definition list.
func New(defs []Definition, opts Options) (*Orchestrator, error) {
	reg, err := registry.New(defs)
	if err != nil {
		return nil, err
	}
	inner, err := supervisor.New(reg, opts)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{inner: inner}, nil
}

func (o *Orchestrator) Start(ctx context.Context, id string) error { return o.inner.Start(ctx, id) }
func (o *Orchestrator) Stop(ctx context.Context, id string) error  { return o.inner.Stop(ctx, id) }
func (o *Orchestrator) Restart(ctx context.Context, id string) error {
	return o.inner.Restart(ctx, id)
}
func (o *Orchestrator) Kill(ctx context.Context, id string, force bool) error {
	return o.inner.Kill(ctx, id, force)
}
func (o *Orchestrator) ResetCircuit(ctx context.Context, id string) error {
	return o.inner.ResetCircuit(ctx, id)
}
func (o *Orchestrator) StartAll(ctx context.Context) error { return o.inner.StartAll(ctx) }
func (o *Orchestrator) StopAll(ctx context.Context) error  { return o.inner.StopAll(ctx) }
func (o *Orchestrator) FullRestart() error                 { return o.inner.FullRestart() }
func (o *Orchestrator) Restarting() bool                   { return o.inner.Restarting() }
func (o *Orchestrator) Status(id string) (ServiceStatus, error) {
	return o.inner.Status(id)
}
func (o *Orchestrator) StatusAll() ([]ServiceStatus, error) {
	_, sts := o.inner.StatusAll()
	return sts, nil
}
func (o *Orchestrator) Shutdown(ctx context.Context) error { return o.inner.Shutdown(ctx) }

// LoadRegistryFile reads a TOML registry file and returns the validated
// definitions plus file-level configuration (env sources, server, store).
func LoadRegistryFile(path string) ([]Definition, *FileConfig, error) {
	reg, fc, err := registry.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return reg.All(), fc, nil
}

// NewHTTPServer starts an HTTP server exposing the orchestrator API.
func NewHTTPServer(addr, basePath string, o *Orchestrator) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, o.inner)
}

// NewAPIHandler returns the orchestrator HTTP API as an http.Handler for
// mounting into any mux or framework.
func NewAPIHandler(basePath string, o *Orchestrator) http.Handler {
	return iapi.NewRouter(o.inner, basePath).Handler()
}

// NewStore opens a transition journal store from a DSN (sqlite path,
// sqlite://, or postgres://).
func NewStore(dsn string) (Store, error) { return storefactory.NewFromDSN(dsn) }

// NewClickHouseSink opens a ClickHouse history sink for transition events
// and makes sure its table exists.
func NewClickHouseSink(ctx context.Context, addr, table string) (HistorySink, error) {
	sink, err := ch.New(addr, table)
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureTable(ctx); err != nil {
		_ = sink.Close()
		return nil, err
	}
	return sink, nil
}

// NewLogger builds the default slog logger, optionally teeing to a rotated
// file when file is non-empty.
func NewLogger(level, file string) *slog.Logger { return logger.Setup(level, file) }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
