package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/servo/internal/deps"
	"github.com/loykin/servo/internal/env"
	"github.com/loykin/servo/internal/health"
	"github.com/loykin/servo/internal/history"
	"github.com/loykin/servo/internal/metrics"
	"github.com/loykin/servo/internal/registry"
	"github.com/loykin/servo/internal/store"
)

// journalTimeout bounds one journal write so a slow sink never stalls an
// actor's transition path (writes happen off the actor goroutine anyway).
const journalTimeout = 3 * time.Second

// Options configures an Orchestrator.
type Options struct {
	Version string
	Logger  *slog.Logger
	// GlobalEnv is the base environment every service inherits.
	GlobalEnv *env.Env
	// Store, when set, persists the transition journal.
	Store store.Store
	// Sinks receive every transition for external analytics.
	Sinks []history.Sink
	// DependencyWait overrides how long a starting service waits for its
	// dependencies; zero keeps the default.
	DependencyWait time.Duration
}

// Orchestrator supervises the full service fleet. It owns one actor per
// registered service and the dependency-ordered bulk operations.
type Orchestrator struct {
	reg       *registry.Registry
	log       *slog.Logger
	st        store.Store
	sinks     []history.Sink
	version   string
	startedAt time.Time

	// startOrder is the dependency-resolved bring-up order; shutdown uses
	// its reverse.
	startOrder []string
	actors     map[string]*actor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	restarting atomic.Bool
	restartMu  sync.Mutex
}

// New builds the orchestrator and launches one supervision actor per service.
// Nothing is started; call StartAll (or per-service Start) for that.
func New(reg *registry.Registry, opts Options) (*Orchestrator, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	envs := opts.GlobalEnv
	if envs == nil {
		envs = env.New()
	}

	nodes := make([]deps.Node, 0, reg.Len())
	for _, d := range reg.All() {
		nodes = append(nodes, deps.Node{
			ID:           d.ID,
			Dependencies: d.Dependencies,
			Rank:         criticalityRank(d.Criticality),
		})
	}
	order, err := deps.Order(nodes)
	if err != nil {
		return nil, fmt.Errorf("resolve dependency order: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		reg:        reg,
		log:        log,
		st:         opts.Store,
		sinks:      opts.Sinks,
		version:    opts.Version,
		startedAt:  time.Now(),
		startOrder: order,
		actors:     make(map[string]*actor, reg.Len()),
		ctx:        ctx,
		cancel:     cancel,
	}

	prober := health.NewProber()
	for _, d := range reg.All() {
		a := newActor(d, prober, envs, log, o.statusOf, o.journal)
		if opts.DependencyWait > 0 {
			a.depWait = opts.DependencyWait
		}
		o.actors[d.ID] = a
	}
	// the actors map is immutable from here on; actor goroutines and the
	// depStatus closure read it without locking
	for _, a := range o.actors {
		o.wg.Add(1)
		go func(a *actor) {
			defer o.wg.Done()
			a.run(ctx)
		}(a)
	}
	return o, nil
}

// criticalityRank orders simultaneously ready services so that more critical
// ones start first. Criticality carries no other behavioral weight.
func criticalityRank(c registry.Criticality) int {
	switch c {
	case registry.CriticalityCritical:
		return 0
	case registry.CriticalityImportant:
		return 1
	default:
		return 2
	}
}

func (o *Orchestrator) statusOf(id string) (ServiceStatus, bool) {
	a, ok := o.actors[id]
	if !ok {
		return ServiceStatus{}, false
	}
	return a.Status(), true
}

// journal fans a transition out to the store and the history sinks. It runs
// off the actor goroutine so persistence latency never delays supervision.
func (o *Orchestrator) journal(tr store.Transition) {
	if o.st == nil && len(o.sinks) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if o.st != nil {
			if err := o.st.RecordTransition(ctx, tr); err != nil {
				o.log.Warn("record transition", "service", tr.ServiceID, "error", err)
			}
		}
		ev := history.Event{OccurredAt: tr.OccurredAt, Transition: tr}
		for _, s := range o.sinks {
			if err := s.Send(ctx, ev); err != nil {
				o.log.Warn("history sink send", "service", tr.ServiceID, "error", err)
			}
		}
	}()
}

func (o *Orchestrator) actor(id string) (*actor, error) {
	a, ok := o.actors[id]
	if !ok {
		return nil, newFault(CodeUnknownService, "unknown service %q", id)
	}
	return a, nil
}

// guard rejects per-service lifecycle actions while a full restart runs.
func (o *Orchestrator) guard() error {
	if o.restarting.Load() {
		return newFault(CodeRestartInProgress, "full restart in progress")
	}
	return nil
}

// Start launches one service. An operator start from circuit_open is an
// explicit circuit override.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	if err := o.guard(); err != nil {
		return err
	}
	a, err := o.actor(id)
	if err != nil {
		return err
	}
	return a.do(ctx, CtrlMsg{Type: CtrlStart})
}

// Stop gracefully terminates one service.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	if err := o.guard(); err != nil {
		return err
	}
	a, err := o.actor(id)
	if err != nil {
		return err
	}
	return a.do(ctx, CtrlMsg{Type: CtrlStop})
}

// Restart stops then starts one service, preserving breaker trip history.
func (o *Orchestrator) Restart(ctx context.Context, id string) error {
	if err := o.guard(); err != nil {
		return err
	}
	a, err := o.actor(id)
	if err != nil {
		return err
	}
	return a.do(ctx, CtrlMsg{Type: CtrlRestart})
}

// Kill runs the kill escalation; force skips the SIGTERM grace window.
func (o *Orchestrator) Kill(ctx context.Context, id string, force bool) error {
	if err := o.guard(); err != nil {
		return err
	}
	a, err := o.actor(id)
	if err != nil {
		return err
	}
	return a.do(ctx, CtrlMsg{Type: CtrlKill, Force: force})
}

// ResetCircuit manually closes an open breaker.
func (o *Orchestrator) ResetCircuit(ctx context.Context, id string) error {
	if err := o.guard(); err != nil {
		return err
	}
	a, err := o.actor(id)
	if err != nil {
		return err
	}
	return a.do(ctx, CtrlMsg{Type: CtrlResetCircuit})
}

// Status returns one service's snapshot.
func (o *Orchestrator) Status(id string) (ServiceStatus, error) {
	a, err := o.actor(id)
	if err != nil {
		return ServiceStatus{}, err
	}
	return a.Status(), nil
}

// StatusAll returns the fleet summary plus every service snapshot in registry
// declaration order.
func (o *Orchestrator) StatusAll() (OrchestratorInfo, []ServiceStatus) {
	statuses := make([]ServiceStatus, 0, o.reg.Len())
	running, healthy := 0, 0
	for _, id := range o.reg.IDs() {
		s := o.actors[id].Status()
		if s.State == StateRunning {
			running++
		}
		if s.Health.IsHealthy {
			healthy++
		}
		statuses = append(statuses, s)
	}
	metrics.SetFleetGauges(running, healthy)
	info := OrchestratorInfo{
		Version:         o.version,
		Uptime:          int64(time.Since(o.startedAt) / time.Second),
		ServicesTotal:   o.reg.Len(),
		ServicesRunning: running,
		ServicesHealthy: healthy,
	}
	return info, statuses
}

// ProcessInfo returns process-level detail for one service.
func (o *Orchestrator) ProcessInfo(id string) (ProcessInfo, error) {
	a, err := o.actor(id)
	if err != nil {
		return ProcessInfo{}, err
	}
	return a.ProcessInfo(), nil
}

// Logs returns the captured output tail for one service.
func (o *Orchestrator) Logs(id string, lines int) (ServiceLogs, error) {
	a, err := o.actor(id)
	if err != nil {
		return ServiceLogs{}, err
	}
	return a.Logs(lines), nil
}

// History returns recent journal entries for one service (all services when
// id is empty). Requires a configured store.
func (o *Orchestrator) History(ctx context.Context, id string, limit int) ([]store.Transition, error) {
	if o.st == nil {
		return nil, nil
	}
	if id != "" {
		if _, err := o.actor(id); err != nil {
			return nil, err
		}
	}
	return o.st.Recent(ctx, id, limit)
}

// Definitions returns the registry entries for the /registry endpoint.
func (o *Orchestrator) Definitions() []registry.Definition {
	return o.reg.All()
}

// StartOrder exposes the resolved dependency order, mostly for logs and tests.
func (o *Orchestrator) StartOrder() []string {
	out := make([]string, len(o.startOrder))
	copy(out, o.startOrder)
	return out
}

// StartAll brings up every auto-start internal service in dependency order.
// Each start waits for its dependencies inside the owning actor, so a failed
// dependency surfaces as a DependencyTimeout on the dependent, not a crash of
// the sweep. Per-service failures are collected, not fatal.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	return o.startSweep(ctx, func(d registry.Definition) bool { return d.AutoStart })
}

func (o *Orchestrator) startSweep(ctx context.Context, pick func(registry.Definition) bool) error {
	var errs []error
	for _, id := range o.startOrder {
		d, _ := o.reg.Get(id)
		if d.Managed != registry.ManagedInternal || !pick(d) {
			continue
		}
		a := o.actors[id]
		switch a.Status().State {
		case StateStarting, StateWarmup, StateRunning:
			continue
		}
		if err := a.do(ctx, CtrlMsg{Type: CtrlStart}); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll gracefully stops every internal service in reverse dependency
// order, dependents before their dependencies.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range deps.Reverse(o.startOrder) {
		d, _ := o.reg.Get(id)
		if d.Managed != registry.ManagedInternal {
			continue
		}
		a := o.actors[id]
		if a.Status().State == StateStopped {
			continue
		}
		if err := a.do(ctx, CtrlMsg{Type: CtrlStop}); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// FullRestart stops the fleet and starts it again, asynchronously. At most
// one restart runs at a time; per-service actions are rejected while it does.
func (o *Orchestrator) FullRestart() error {
	if !o.restarting.CompareAndSwap(false, true) {
		return newFault(CodeRestartInProgress, "full restart already in progress")
	}
	go func() {
		o.restartMu.Lock()
		defer o.restartMu.Unlock()
		defer o.restarting.Store(false)

		// bring back what was up before the stop, plus anything auto-start
		wasUp := make(map[string]bool, o.reg.Len())
		for _, id := range o.startOrder {
			switch o.actors[id].Status().State {
			case StateStarting, StateWarmup, StateRunning, StateCircuitOpen:
				wasUp[id] = true
			}
		}

		o.log.Info("full restart: stopping all services")
		if err := o.StopAll(o.ctx); err != nil {
			o.log.Warn("full restart: stop phase", "error", err)
		}
		o.log.Info("full restart: starting all services")
		err := o.startSweep(o.ctx, func(d registry.Definition) bool {
			return d.AutoStart || wasUp[d.ID]
		})
		if err != nil {
			o.log.Warn("full restart: start phase", "error", err)
		}
		o.log.Info("full restart complete")
	}()
	return nil
}

// Restarting reports whether a full restart is in flight; the health endpoint
// degrades while it is.
func (o *Orchestrator) Restarting() bool { return o.restarting.Load() }

// Shutdown stops every service, then terminates the actor goroutines. The
// context bounds the graceful stop phase.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.StopAll(ctx)
	o.cancel()
	o.wg.Wait()
	if o.st != nil {
		if cerr := o.st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for _, s := range o.sinks {
		_ = s.Close()
	}
	return err
}
