package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/servo/internal/breaker"
	"github.com/loykin/servo/internal/env"
	"github.com/loykin/servo/internal/health"
	"github.com/loykin/servo/internal/metrics"
	"github.com/loykin/servo/internal/process"
	"github.com/loykin/servo/internal/registry"
	"github.com/loykin/servo/internal/store"
)

const (
	// MaxAutoRestore caps automatic respawn attempts for a dead process.
	// Once exhausted only an operator action resumes supervision.
	MaxAutoRestore = 5

	// DefaultDependencyWait bounds how long a starting service waits for its
	// dependencies to reach running.
	DefaultDependencyWait = 30 * time.Second

	depPollInterval = 100 * time.Millisecond
)

// CtrlType enumerates control message kinds handled by an actor.
type CtrlType int

const (
	CtrlStart CtrlType = iota
	CtrlStop
	CtrlRestart
	CtrlKill
	CtrlResetCircuit
)

// CtrlMsg is a control-plane message sent to an actor to serialize lifecycle
// operations with its monitoring loop.
type CtrlMsg struct {
	Type CtrlType
	// Force skips the SIGTERM grace window on kill.
	Force bool
	Reply chan error
}

// actor owns the full lifecycle of one service: it is the only goroutine that
// mutates the service state, the circuit breaker, and the child process.
// Readers get consistent snapshots through Status.
type actor struct {
	def    registry.Definition
	prober *health.Prober
	envs   *env.Env
	log    *slog.Logger

	// injected callbacks (no direct orchestrator dependency)
	depStatus    func(id string) (ServiceStatus, bool)
	onTransition func(tr store.Transition)

	child *process.Child
	esc   *process.Escalator
	brk   *breaker.Breaker

	ctrl    chan CtrlMsg
	depWait time.Duration

	// state below is owned by the run loop
	state       State
	lastChange  time.Time
	health      HealthStatus
	warmup      WarmupStatus
	autoRestore int
	lastErr     string
	// wantUp distinguishes an unexpected exit (respawn) from an operator
	// stop or a fatal start error (stay down).
	wantUp bool
	// restorePending marks a cooldown auto-restore whose breaker verdict is
	// settled by the first post-spawn health outcome, not by the spawn.
	restorePending bool

	snapMu sync.RWMutex
	snap   ServiceStatus
}

func newActor(def registry.Definition, prober *health.Prober, envs *env.Env, log *slog.Logger, depStatus func(string) (ServiceStatus, bool), onTransition func(store.Transition)) *actor {
	child := process.NewChild(def.ID, 0)
	a := &actor{
		def:          def,
		prober:       prober,
		envs:         envs,
		log:          log.With("service", def.ID),
		depStatus:    depStatus,
		onTransition: onTransition,
		child:        child,
		esc:          process.NewEscalator(child, 0),
		brk:          breaker.New(def.Retries),
		ctrl:         make(chan CtrlMsg, 16),
		depWait:      DefaultDependencyWait,
		state:        StateStopped,
		lastChange:   time.Now(),
	}
	if def.Managed == registry.ManagedExternal {
		a.state = StateExternal
	}
	a.publish()
	return a
}

// run is the actor loop: control messages and the periodic monitoring tick.
func (a *actor) run(ctx context.Context) {
	ticker := time.NewTicker(a.def.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if a.def.Managed == registry.ManagedInternal && a.child.Alive() {
				// best effort; the escalator bounds this by its own windows
				_, _ = a.esc.Kill(context.Background(), false)
			}
			return
		case msg := <-a.ctrl:
			var err error
			switch msg.Type {
			case CtrlStart:
				err = a.startService(ctx, true)
			case CtrlStop:
				err = a.terminate(ctx, false, "stopped by operator")
			case CtrlRestart:
				err = a.restartService(ctx)
			case CtrlKill:
				err = a.terminate(ctx, msg.Force, "killed by operator")
			case CtrlResetCircuit:
				err = a.resetCircuit()
			}
			if msg.Reply != nil {
				msg.Reply <- err
			}
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// do submits a control message and waits for its outcome.
func (a *actor) do(ctx context.Context, msg CtrlMsg) error {
	msg.Reply = make(chan error, 1)
	select {
	case a.ctrl <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startService validates the transition and spawns the process. operator
// starts may override an open circuit; automatic ones are gated by it.
func (a *actor) startService(ctx context.Context, operator bool) error {
	if a.def.Managed == registry.ManagedExternal {
		return newFault(CodeInvalidState, "service %s is externally managed", a.def.ID)
	}
	switch a.state {
	case StateStopped, StateError:
	case StateCircuitOpen:
		if !operator {
			return newFault(CodeCircuitOpen, "circuit breaker is open for %s", a.def.ID)
		}
	default:
		return newFault(CodeInvalidState, "cannot start %s while %s", a.def.ID, a.state)
	}
	if !operator && !a.brk.AllowStart() {
		return newFault(CodeCircuitOpen, "circuit breaker is open for %s", a.def.ID)
	}
	if operator {
		// an operator start renews the auto-restore budget and, when the
		// circuit is open or mid-cooldown, is an explicit override
		a.autoRestore = 0
		if a.brk.State() != breaker.Closed {
			a.brk.ForceClose()
		}
	}

	a.setState(StateStarting, "start requested")
	if err := a.waitDependencies(ctx); err != nil {
		a.failStart(err)
		return err
	}
	if err := a.spawn("started"); err != nil {
		a.failStart(err)
		return err
	}
	return nil
}

// spawn resolves the environment and launches the process, moving the service
// into warmup (or straight to running when no warmup gate is configured).
func (a *actor) spawn(reason string) error {
	environ, err := a.envs.Resolve(a.def.Run.Env, a.def.RequiredEnv)
	if err != nil {
		var miss *env.MissingVarError
		if errors.As(err, &miss) {
			return wrapFault(CodeMissingEnvVar, err)
		}
		return wrapFault(CodeSpawnFailure, err)
	}
	err = a.child.Spawn(process.StartSpec{
		Command: a.def.Run.Command,
		Args:    a.def.Run.Args,
		WorkDir: a.def.Run.WorkDir,
		Env:     environ,
		Log:     a.def.Log,
	})
	if err != nil {
		return wrapFault(CodeSpawnFailure, err)
	}
	a.esc.ResetForRun()
	// fresh run: consecutive failures do not carry over, trip history does.
	// During a cooldown auto-restore the breaker stays in cooldown; the
	// first post-spawn health outcome settles it.
	if a.brk.State() == breaker.Closed {
		a.brk.CloseKeepTrips()
	}
	a.wantUp = true
	a.lastErr = ""
	a.health = HealthStatus{}
	reason = fmt.Sprintf("%s (pid %d)", reason, a.child.PID())
	if a.def.WarmupChecks > 0 {
		a.warmup = WarmupStatus{IsInWarmup: true, RequiredChecks: a.def.WarmupChecks}
		a.setState(StateWarmup, reason)
	} else {
		a.warmup = WarmupStatus{}
		a.setState(StateRunning, reason)
	}
	return nil
}

// failStart records a start failure. Fatal start errors do not auto-retry.
func (a *actor) failStart(err error) {
	a.wantUp = false
	a.lastErr = err.Error()
	a.setState(StateError, err.Error())
}

// waitDependencies blocks until every dependency is running (or is a healthy
// external), bounded by depWait.
func (a *actor) waitDependencies(ctx context.Context) error {
	if len(a.def.Dependencies) == 0 || a.depStatus == nil {
		return nil
	}
	deadline := time.Now().Add(a.depWait)
	for {
		unmet := a.unmetDeps()
		if len(unmet) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return newFault(CodeDependencyTimeout, "dependencies of %s not ready after %s: %v", a.def.ID, a.depWait, unmet)
		}
		select {
		case <-ctx.Done():
			return wrapFault(CodeDependencyTimeout, ctx.Err())
		case <-time.After(depPollInterval):
		}
	}
}

func (a *actor) unmetDeps() []string {
	var unmet []string
	for _, dep := range a.def.Dependencies {
		st, ok := a.depStatus(dep)
		if !ok {
			unmet = append(unmet, dep)
			continue
		}
		switch {
		case st.State == StateRunning:
		case st.State == StateExternal && st.Health.IsHealthy:
		default:
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// terminate runs the kill escalation and settles the resulting state.
func (a *actor) terminate(ctx context.Context, force bool, reason string) error {
	if a.def.Managed == registry.ManagedExternal {
		return newFault(CodeInvalidState, "service %s is externally managed", a.def.ID)
	}
	a.wantUp = false
	// an interrupted cooldown auto-restore counts as a failed cooldown; the
	// breaker must never be left parked in cooldown
	a.settleRestore(false)
	if !a.child.Alive() {
		a.warmup = WarmupStatus{}
		if a.state != StateStopped && a.state != StateCircuitOpen {
			a.setState(StateStopped, reason)
		} else {
			a.publish()
		}
		return nil
	}
	track, err := a.esc.Kill(ctx, force)
	if errors.Is(err, process.ErrEscalationInFlight) {
		return wrapFault(CodeKillInProgress, err)
	}
	metrics.IncKillEscalation(a.def.ID, string(track.Phase))
	if err != nil {
		return wrapFault(CodeKillSignalError, err)
	}
	switch track.Phase {
	case process.PhaseKilled:
		a.warmup = WarmupStatus{}
		a.health.IsHealthy = false
		a.setState(StateStopped, reason)
		return nil
	case process.PhaseZombie:
		err := newFault(CodeZombieProcess, "process %d of %s survived SIGKILL", a.child.PID(), a.def.ID)
		a.lastErr = err.Error()
		a.setState(StateError, err.Error())
		return err
	default:
		err := newFault(CodeKillSignalError, "kill of %s ended in unexpected phase %s", a.def.ID, track.Phase)
		a.lastErr = err.Error()
		a.setState(StateError, err.Error())
		return err
	}
}

// restartService is stop-then-start. It clears warmup progress and the
// breaker's consecutive failures but keeps the trip history, so a service
// that trips again after a restart backs off longer.
func (a *actor) restartService(ctx context.Context) error {
	if a.def.Managed == registry.ManagedExternal {
		return newFault(CodeInvalidState, "service %s is externally managed", a.def.ID)
	}
	if err := a.terminate(ctx, false, "restarting"); err != nil {
		return err
	}
	a.brk.CloseKeepTrips()
	a.autoRestore = 0
	return a.startService(ctx, true)
}

// resetCircuit is the manual breaker reset, valid only while the circuit is
// open.
func (a *actor) resetCircuit() error {
	if err := a.brk.Reset(); err != nil {
		return wrapFault(CodeInvalidState, fmt.Errorf("service %s: %w", a.def.ID, err))
	}
	a.autoRestore = 0
	a.restorePending = false
	a.lastErr = ""
	if a.child.Alive() {
		a.setState(StateRunning, "circuit reset by operator")
	} else {
		a.wantUp = false
		a.setState(StateStopped, "circuit reset by operator")
	}
	return nil
}

// tick is one monitoring pass. What it does depends on the current state.
func (a *actor) tick(ctx context.Context) {
	switch a.state {
	case StateExternal:
		res := a.probe(ctx)
		a.applyHealth(res)
		a.publish()
	case StateWarmup, StateRunning:
		if !a.child.Alive() {
			a.handleExit()
			return
		}
		a.observe(ctx)
	case StateCircuitOpen:
		a.tickCircuitOpen(ctx)
	case StateError:
		a.tickError(ctx)
	}
}

// observe probes a live process and applies warmup and breaker semantics.
func (a *actor) observe(ctx context.Context) {
	res := a.probe(ctx)
	a.applyHealth(res)
	if res.Healthy {
		if a.state == StateWarmup {
			a.warmup.SuccessfulChecks++
			if a.warmup.SuccessfulChecks >= a.warmup.RequiredChecks {
				a.warmup = WarmupStatus{}
				a.settleRestore(true)
				a.autoRestore = 0
				a.setState(StateRunning, "warmup complete")
				return
			}
			a.publish()
			return
		}
		if a.restorePending {
			a.settleRestore(true)
			a.autoRestore = 0
		}
		a.brk.RecordSuccess()
		a.publish()
		return
	}

	if a.state == StateWarmup {
		// warmup requires consecutive successes; any failure restarts the count
		a.warmup.SuccessfulChecks = 0
		a.publish()
		return
	}
	if a.restorePending {
		a.settleRestore(false)
		a.setState(StateCircuitOpen, "auto-restored process failed its health check")
		return
	}
	if a.brk.RecordFailure() {
		metrics.IncCircuitTrip(a.def.ID)
		reason := fmt.Sprintf("circuit tripped after %d consecutive health check failures", a.brk.Threshold())
		a.lastErr = reason
		a.setState(StateCircuitOpen, reason)
		return
	}
	a.publish()
}

// settleRestore delivers the deferred cooldown verdict for an auto-restored
// process.
func (a *actor) settleRestore(ok bool) {
	if !a.restorePending {
		return
	}
	a.restorePending = false
	a.brk.CooldownResult(ok)
}

// handleExit reacts to a process that died without being asked to.
func (a *actor) handleExit() {
	reason := "process exited unexpectedly"
	if err := a.child.ExitErr(); err != nil {
		reason = fmt.Sprintf("process exited unexpectedly: %v", err)
	}
	a.health.IsHealthy = false
	a.warmup = WarmupStatus{}
	a.lastErr = reason
	if a.restorePending {
		a.settleRestore(false)
		a.setState(StateCircuitOpen, reason)
		return
	}
	a.setState(StateError, reason)
}

// tickError retries a crashed process that is still wanted up, bounded by
// MaxAutoRestore. Fatal start errors cleared wantUp and are not retried.
func (a *actor) tickError(ctx context.Context) {
	if !a.wantUp || a.def.Managed != registry.ManagedInternal || a.child.Alive() {
		return
	}
	if a.autoRestore >= MaxAutoRestore {
		return
	}
	if !a.brk.AllowStart() {
		return
	}
	a.autoRestore++
	a.setState(StateStarting, fmt.Sprintf("auto-restore attempt %d/%d", a.autoRestore, MaxAutoRestore))
	if err := a.waitDependencies(ctx); err != nil {
		a.failStart(err)
		return
	}
	if err := a.spawn(fmt.Sprintf("auto-restored (attempt %d/%d)", a.autoRestore, MaxAutoRestore)); err != nil {
		a.failStart(err)
	}
}

// tickCircuitOpen waits out the backoff window, then spends the single
// cooldown probe: on a live process it is a plain health check; on a dead one
// it is a respawn whose verdict is settled by the first post-spawn health
// outcome.
func (a *actor) tickCircuitOpen(ctx context.Context) {
	if !a.child.Alive() && a.autoRestore >= MaxAutoRestore {
		// parked: the respawn budget is spent, so the breaker stays open
		// untouched until an operator start or circuit reset
		a.lastErr = fmt.Sprintf("auto-restore attempts exhausted (%d); waiting for operator", MaxAutoRestore)
		a.publish()
		return
	}
	if !a.brk.BeginCooldown() {
		a.publish()
		return
	}
	if a.child.Alive() {
		res := a.probe(ctx)
		a.applyHealth(res)
		if res.Healthy {
			a.brk.CooldownResult(true)
			a.autoRestore = 0
			a.lastErr = ""
			a.setState(StateRunning, "cooldown probe succeeded")
			return
		}
		a.brk.CooldownResult(false)
		a.publish()
		return
	}
	a.autoRestore++
	a.restorePending = true
	if err := a.spawn(fmt.Sprintf("auto-restored from open circuit (attempt %d/%d)", a.autoRestore, MaxAutoRestore)); err != nil {
		a.settleRestore(false)
		a.lastErr = err.Error()
		a.publish()
	}
}

// probe checks the health endpoint. Services without one are healthy as long
// as their process is alive.
func (a *actor) probe(ctx context.Context) health.Result {
	if a.def.HealthEndpoint == "" {
		return health.Result{Healthy: true, CheckedAt: time.Now()}
	}
	res := a.prober.Probe(ctx, a.def.HealthEndpoint, a.def.Timeout)
	metrics.ObserveProbe(a.def.ID, res.ResponseTime.Seconds(), res.Healthy)
	return res
}

func (a *actor) applyHealth(res health.Result) {
	t := res.CheckedAt
	a.health.LastCheckAt = &t
	a.health.IsHealthy = res.Healthy
	if a.def.HealthEndpoint != "" {
		ms := res.ResponseTime.Milliseconds()
		a.health.ResponseTimeMs = &ms
	}
	if res.Healthy {
		a.health.ConsecutiveFailures = 0
		a.health.Error = ""
		return
	}
	a.health.ConsecutiveFailures++
	if res.Err != nil {
		code := CodeHealthCheckError
		if res.Timeout {
			code = CodeHealthCheckTimeout
		}
		a.health.Error = fmt.Sprintf("%s: %v", code, res.Err)
	}
}

// setState records a lifecycle transition, notifies the journal, and
// publishes a fresh snapshot. Same-state calls only republish.
func (a *actor) setState(to State, reason string) {
	from := a.state
	if from != to {
		a.state = to
		a.lastChange = time.Now()
		metrics.ObserveTransition(a.def.ID, string(from), string(to))
		a.log.Info("state transition", "from", from, "to", to, "reason", reason)
		if a.onTransition != nil {
			a.onTransition(store.Transition{
				ServiceID:  a.def.ID,
				From:       string(from),
				To:         string(to),
				Reason:     reason,
				PID:        a.child.PID(),
				OccurredAt: a.lastChange,
			})
		}
	}
	a.publish()
}

// publish refreshes the read-side snapshot.
func (a *actor) publish() {
	s := ServiceStatus{
		ServiceID:           a.def.ID,
		Name:                a.def.Name,
		Criticality:         a.def.Criticality,
		Managed:             a.def.Managed,
		State:               a.state,
		Health:              a.health,
		Warmup:              a.warmup,
		CircuitBreaker:      a.brk.Snapshot(),
		AutoRestoreAttempts: a.autoRestore,
		LastError:           a.lastErr,
		LastStateChangeAt:   a.lastChange,
	}
	if a.child.Alive() {
		pid := a.child.PID()
		up := int64(a.child.Uptime() / time.Second)
		s.PID = &pid
		s.UptimeSeconds = &up
	}
	a.snapMu.Lock()
	a.snap = s
	a.snapMu.Unlock()
}

// Status returns the last published snapshot. Safe from any goroutine.
func (a *actor) Status() ServiceStatus {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return a.snap
}

// ProcessInfo reports the OS process view including kill tracking. Safe from
// any goroutine; Child and Escalator are internally locked.
func (a *actor) ProcessInfo() ProcessInfo {
	info := ProcessInfo{
		ServiceID:    a.def.ID,
		KillTracking: a.esc.Tracking(),
		MainProcess:  MainProcess{Alive: a.child.Alive()},
	}
	if pid := a.child.PID(); pid != 0 {
		info.MainProcess.PID = &pid
	}
	if at := a.child.StartedAt(); !at.IsZero() {
		info.MainProcess.StartedAt = &at
	}
	if info.MainProcess.Alive {
		up := int64(a.child.Uptime() / time.Second)
		info.MainProcess.UptimeSeconds = &up
	}
	return info
}

// Logs returns the captured output tails. Safe from any goroutine.
func (a *actor) Logs(lines int) ServiceLogs {
	return ServiceLogs{
		Stdout: a.child.Stdout().Tail(lines),
		Stderr: a.child.Stderr().Tail(lines),
	}
}
