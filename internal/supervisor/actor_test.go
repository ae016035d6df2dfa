package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servo/internal/breaker"
	"github.com/loykin/servo/internal/env"
	"github.com/loykin/servo/internal/health"
	"github.com/loykin/servo/internal/process"
	"github.com/loykin/servo/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flipServer is a health endpoint whose verdict tests can toggle.
func flipServer(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	healthy := &atomic.Bool{}
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv, healthy
}

func sleepDef(id string) registry.Definition {
	return registry.Definition{
		ID:  id,
		Run: registry.RunSpec{Command: "/bin/sh", Args: []string{"-c", "sleep 60"}},
	}
}

// testActor builds an actor driven by hand: tests call tick and the lifecycle
// methods directly instead of running the actor goroutine.
func testActor(t *testing.T, def registry.Definition) *actor {
	t.Helper()
	reg, err := registry.New([]registry.Definition{def})
	require.NoError(t, err)
	d, ok := reg.Get(def.ID)
	require.True(t, ok)
	a := newActor(d, health.NewProber(), env.New(), discardLogger(), nil, nil)
	t.Cleanup(func() {
		if a.child.Alive() {
			_ = a.child.Signal(syscall.SIGKILL)
		}
	})
	return a
}

func waitExit(t *testing.T, a *actor) {
	t.Helper()
	select {
	case <-a.child.WaitDone():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStartWarmupToRunning(t *testing.T) {
	srv, _ := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.WarmupChecks = 2
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	st := a.Status()
	assert.Equal(t, StateWarmup, st.State)
	assert.True(t, st.Warmup.IsInWarmup)
	assert.Equal(t, 2, st.Warmup.RequiredChecks)
	require.NotNil(t, st.PID)

	a.tick(ctx)
	assert.Equal(t, 1, a.Status().Warmup.SuccessfulChecks)
	a.tick(ctx)

	st = a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.Warmup.IsInWarmup)
	assert.True(t, st.Health.IsHealthy)
}

func TestWarmupFailureResetsProgress(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.WarmupChecks = 2
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	a.tick(ctx)
	require.Equal(t, 1, a.Status().Warmup.SuccessfulChecks)

	healthy.Store(false)
	a.tick(ctx)
	st := a.Status()
	assert.Equal(t, StateWarmup, st.State)
	assert.Equal(t, 0, st.Warmup.SuccessfulChecks)
	// breaker does not count warmup failures
	assert.Equal(t, 0, st.CircuitBreaker.Failures)

	healthy.Store(true)
	a.tick(ctx)
	a.tick(ctx)
	assert.Equal(t, StateRunning, a.Status().State)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 2
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	require.Equal(t, StateRunning, a.Status().State)

	healthy.Store(false)
	a.tick(ctx)
	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.CircuitBreaker.Failures)
	assert.Equal(t, 1, st.Health.ConsecutiveFailures)

	a.tick(ctx)
	st = a.Status()
	assert.Equal(t, StateCircuitOpen, st.State)
	assert.Equal(t, breaker.Open, st.CircuitBreaker.State)
	assert.Equal(t, 1, st.CircuitBreaker.Trips)
	assert.Equal(t, 5, st.CircuitBreaker.BackoffSeconds)
	require.NotNil(t, st.CircuitBreaker.NextRetryAt)
	// the process is left running; only probing is suspended
	assert.True(t, a.child.Alive())
}

func TestCooldownProbeClosesCircuit(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	// backoff not elapsed yet: nothing happens
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	healthy.Store(true)
	a.brk.SetClock(func() time.Time { return time.Now().Add(breaker.BaseBackoff + time.Second) })
	a.tick(ctx)

	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, breaker.Closed, st.CircuitBreaker.State)
	assert.Equal(t, 0, st.CircuitBreaker.Trips)
}

func TestCooldownFailureReopensWithLongerBackoff(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, 5, a.Status().CircuitBreaker.BackoffSeconds)

	a.brk.SetClock(func() time.Time { return time.Now().Add(breaker.BaseBackoff + time.Second) })
	a.tick(ctx)

	st := a.Status()
	assert.Equal(t, StateCircuitOpen, st.State)
	assert.Equal(t, breaker.Open, st.CircuitBreaker.State)
	assert.Equal(t, 2, st.CircuitBreaker.Trips)
	assert.Equal(t, 10, st.CircuitBreaker.BackoffSeconds)
}

func TestCooldownRespawnsDeadProcess(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	require.NoError(t, a.child.Signal(syscall.SIGKILL))
	waitExit(t, a)

	healthy.Store(true)
	a.brk.SetClock(func() time.Time { return time.Now().Add(breaker.BaseBackoff + time.Second) })
	a.tick(ctx)

	st := a.Status()
	require.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.AutoRestoreAttempts)
	assert.Equal(t, breaker.Cooldown, st.CircuitBreaker.State)
	assert.True(t, a.child.Alive())

	// the first post-spawn probe settles the cooldown verdict
	a.tick(ctx)
	st = a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, breaker.Closed, st.CircuitBreaker.State)
	assert.Equal(t, 0, st.AutoRestoreAttempts)
}

func TestStopDuringCooldownRestoreSettlesBreaker(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	require.NoError(t, a.child.Signal(syscall.SIGKILL))
	waitExit(t, a)

	healthy.Store(true)
	a.brk.SetClock(func() time.Time { return time.Now().Add(breaker.BaseBackoff + time.Second) })
	a.tick(ctx)
	require.Equal(t, StateRunning, a.Status().State)
	require.Equal(t, breaker.Cooldown, a.Status().CircuitBreaker.State)

	// operator stop before the restore settles: the interrupted cooldown
	// counts as failed, never leaving the breaker parked in cooldown
	require.NoError(t, a.terminate(ctx, false, "stopped by operator"))
	st := a.Status()
	require.Equal(t, StateStopped, st.State)
	assert.Equal(t, breaker.Open, st.CircuitBreaker.State)
	assert.Equal(t, 2, st.CircuitBreaker.Trips)

	// operator start overrides the open circuit
	require.NoError(t, a.startService(ctx, true))
	st = a.Status()
	require.Equal(t, StateRunning, st.State)
	assert.Equal(t, breaker.Closed, st.CircuitBreaker.State)

	// and the breaker can trip again afterwards
	healthy.Store(false)
	a.tick(ctx)
	st = a.Status()
	assert.Equal(t, StateCircuitOpen, st.State)
	assert.Equal(t, breaker.Open, st.CircuitBreaker.State)
}

func TestParkedBreakerKeepsTripCount(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	require.NoError(t, a.child.Signal(syscall.SIGKILL))
	waitExit(t, a)
	a.autoRestore = MaxAutoRestore

	a.brk.SetClock(func() time.Time { return time.Now().Add(breaker.MaxBackoff + time.Second) })
	a.tick(ctx)
	a.tick(ctx)

	st := a.Status()
	assert.Equal(t, StateCircuitOpen, st.State)
	assert.Equal(t, breaker.Open, st.CircuitBreaker.State)
	assert.Equal(t, 1, st.CircuitBreaker.Trips)
	assert.Equal(t, MaxAutoRestore, st.AutoRestoreAttempts)
	assert.Contains(t, st.LastError, "exhausted")
}

func TestOperatorStartOverridesOpenCircuit(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	// automatic starts stay gated
	err := a.startService(ctx, false)
	require.Error(t, err)
	assert.Equal(t, CodeCircuitOpen, CodeOf(err))

	// operator stop first (the process is still alive), then override start
	require.NoError(t, a.terminate(ctx, true, "stopped"))
	healthy.Store(true)
	require.NoError(t, a.startService(ctx, true))

	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, breaker.Closed, st.CircuitBreaker.State)
	assert.Equal(t, 0, st.CircuitBreaker.Trips)
}

func TestResetCircuitOnlyValidWhileOpen(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	err := a.resetCircuit()
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, StateCircuitOpen, a.Status().State)

	require.NoError(t, a.resetCircuit())
	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, breaker.Closed, st.CircuitBreaker.State)
}

func TestMissingRequiredEnvIsFatal(t *testing.T) {
	def := sleepDef("svc")
	def.RequiredEnv = []string{"SERVO_TEST_NO_SUCH_VAR"}
	a := testActor(t, def)
	ctx := context.Background()

	err := a.startService(ctx, true)
	require.Error(t, err)
	assert.Equal(t, CodeMissingEnvVar, CodeOf(err))

	st := a.Status()
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.LastError, "SERVO_TEST_NO_SUCH_VAR")

	// fatal start errors are not auto-retried
	a.tick(ctx)
	assert.Equal(t, 0, a.Status().AutoRestoreAttempts)
	assert.Equal(t, StateError, a.Status().State)
}

func TestSpawnFailureSetsError(t *testing.T) {
	def := registry.Definition{
		ID:  "svc",
		Run: registry.RunSpec{Command: "/no/such/binary/servo-test"},
	}
	a := testActor(t, def)

	err := a.startService(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, CodeSpawnFailure, CodeOf(err))
	assert.Equal(t, StateError, a.Status().State)
}

func TestUnexpectedExitAutoRestores(t *testing.T) {
	def := registry.Definition{
		ID:  "svc",
		Run: registry.RunSpec{Command: "/bin/sh", Args: []string{"-c", "exit 0"}},
	}
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	waitExit(t, a)

	a.tick(ctx)
	st := a.Status()
	require.Equal(t, StateError, st.State)
	assert.Contains(t, st.LastError, "exited unexpectedly")

	a.tick(ctx)
	st = a.Status()
	assert.Equal(t, 1, st.AutoRestoreAttempts)
}

func TestAutoRestoreExhaustion(t *testing.T) {
	def := registry.Definition{
		ID:  "svc",
		Run: registry.RunSpec{Command: "/bin/sh", Args: []string{"-c", "exit 0"}},
	}
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	waitExit(t, a)
	a.tick(ctx)
	require.Equal(t, StateError, a.Status().State)

	for i := 1; i <= MaxAutoRestore; i++ {
		a.tick(ctx) // respawn
		require.Equal(t, i, a.Status().AutoRestoreAttempts)
		waitExit(t, a)
		a.tick(ctx) // notice the exit
		require.Equal(t, StateError, a.Status().State)
	}

	// exhausted: further ticks stay put until an operator intervenes
	a.tick(ctx)
	st := a.Status()
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, MaxAutoRestore, st.AutoRestoreAttempts)

	require.NoError(t, a.startService(ctx, true))
	assert.Equal(t, 0, a.Status().AutoRestoreAttempts) // operator start renews the budget
}

func TestTerminateGraceful(t *testing.T) {
	a := testActor(t, sleepDef("svc"))
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	require.Equal(t, StateRunning, a.Status().State)

	require.NoError(t, a.terminate(ctx, false, "stopped by operator"))
	st := a.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Nil(t, st.PID)
	assert.False(t, a.child.Alive())

	info := a.ProcessInfo()
	assert.Equal(t, 1, info.KillTracking.KillAttempts)
}

func TestKillWhileEscalationInFlight(t *testing.T) {
	def := registry.Definition{
		ID:  "svc",
		Run: registry.RunSpec{Command: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 60"}},
	}
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	a.esc = process.NewEscalator(a.child, 200*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.esc.Kill(context.Background(), false)
	}()
	require.Eventually(t, func() bool {
		return a.esc.Tracking().Phase == process.PhaseSigtermWait
	}, 2*time.Second, 10*time.Millisecond)

	err := a.terminate(ctx, false, "stopped by operator")
	require.Error(t, err)
	assert.Equal(t, CodeKillInProgress, CodeOf(err))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("escalation did not finish")
	}
	assert.Equal(t, process.PhaseKilled, a.esc.Tracking().Phase)
}

func TestProbeFailuresAreClassified(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv, healthy := flipServer(t)
		healthy.Store(false)
		def := sleepDef("svc")
		def.HealthEndpoint = srv.URL
		a := testActor(t, def)

		require.NoError(t, a.startService(context.Background(), true))
		a.tick(context.Background())
		st := a.Status()
		assert.False(t, st.Health.IsHealthy)
		assert.Contains(t, st.Health.Error, string(CodeHealthCheckError))
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)
		def := sleepDef("svc")
		def.HealthEndpoint = srv.URL
		def.Timeout = 50 * time.Millisecond
		a := testActor(t, def)

		require.NoError(t, a.startService(context.Background(), true))
		a.tick(context.Background())
		st := a.Status()
		assert.False(t, st.Health.IsHealthy)
		assert.Contains(t, st.Health.Error, string(CodeHealthCheckTimeout))
	})
}

func TestStopWhileStoppedIsNoop(t *testing.T) {
	a := testActor(t, sleepDef("svc"))
	require.NoError(t, a.terminate(context.Background(), false, "stopped by operator"))
	assert.Equal(t, StateStopped, a.Status().State)
}

func TestRestartKeepsTripHistory(t *testing.T) {
	srv, healthy := flipServer(t)
	def := sleepDef("svc")
	def.HealthEndpoint = srv.URL
	def.Retries = 1
	a := testActor(t, def)
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	healthy.Store(false)
	a.tick(ctx)
	require.Equal(t, 1, a.Status().CircuitBreaker.Trips)

	healthy.Store(true)
	require.NoError(t, a.restartService(ctx))

	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, breaker.Closed, st.CircuitBreaker.State)
	assert.Equal(t, 1, st.CircuitBreaker.Trips)
	assert.Equal(t, 0, st.CircuitBreaker.Failures)

	// the next trip after a restart backs off longer
	healthy.Store(false)
	a.tick(ctx)
	assert.Equal(t, 10, a.Status().CircuitBreaker.BackoffSeconds)
}

func TestExternalServiceIsMonitoredOnly(t *testing.T) {
	srv, healthy := flipServer(t)
	def := registry.Definition{
		ID:             "db",
		Managed:        registry.ManagedExternal,
		HealthEndpoint: srv.URL,
	}
	a := testActor(t, def)
	ctx := context.Background()

	require.Equal(t, StateExternal, a.Status().State)

	a.tick(ctx)
	st := a.Status()
	assert.Equal(t, StateExternal, st.State)
	assert.True(t, st.Health.IsHealthy)

	healthy.Store(false)
	a.tick(ctx)
	st = a.Status()
	assert.Equal(t, StateExternal, st.State)
	assert.False(t, st.Health.IsHealthy)
	assert.Equal(t, 1, st.Health.ConsecutiveFailures)

	for _, call := range []func() error{
		func() error { return a.startService(ctx, true) },
		func() error { return a.terminate(ctx, false, "stop") },
		func() error { return a.restartService(ctx) },
	} {
		err := call()
		require.Error(t, err)
		assert.Equal(t, CodeInvalidState, CodeOf(err))
	}
}

func TestServiceWithoutEndpointUsesLiveness(t *testing.T) {
	a := testActor(t, sleepDef("svc"))
	ctx := context.Background()

	require.NoError(t, a.startService(ctx, true))
	a.tick(ctx)
	st := a.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Health.IsHealthy)
	assert.Nil(t, st.Health.ResponseTimeMs)
}

func TestLogsCaptureOutput(t *testing.T) {
	def := registry.Definition{
		ID:  "svc",
		Run: registry.RunSpec{Command: "/bin/sh", Args: []string{"-c", "echo out-line; echo err-line >&2"}},
	}
	a := testActor(t, def)

	require.NoError(t, a.startService(context.Background(), true))
	waitExit(t, a)

	logs := a.Logs(10)
	assert.Equal(t, []string{"out-line"}, logs.Stdout)
	assert.Equal(t, []string{"err-line"}, logs.Stderr)
}
