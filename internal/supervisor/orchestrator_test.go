package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servo/internal/registry"
	"github.com/loykin/servo/internal/store"
	"github.com/loykin/servo/internal/store/sqlite"
)

func fastDef(id string) registry.Definition {
	d := sleepDef(id)
	d.CheckInterval = 20 * time.Millisecond
	d.AutoStart = true
	return d
}

func newTestOrchestrator(t *testing.T, defs []registry.Definition, opts Options) *Orchestrator {
	t.Helper()
	reg, err := registry.New(defs)
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.DependencyWait == 0 {
		opts.DependencyWait = 2 * time.Second
	}
	o, err := New(reg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func TestStartAllRespectsDependencyOrder(t *testing.T) {
	api := fastDef("api")
	api.Dependencies = []string{"queue"}
	queue := fastDef("queue")

	o := newTestOrchestrator(t, []registry.Definition{api, queue}, Options{})
	assert.Equal(t, []string{"queue", "api"}, o.StartOrder())

	require.NoError(t, o.StartAll(context.Background()))

	for _, id := range []string{"queue", "api"} {
		st, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, st.State, id)
	}
	qst, _ := o.Status("queue")
	ast, _ := o.Status("api")
	assert.False(t, ast.LastStateChangeAt.Before(qst.LastStateChangeAt))
}

func TestStartAllSkipsExternalAndNonAutoStart(t *testing.T) {
	srv, _ := flipServer(t)
	db := registry.Definition{
		ID:             "db",
		Managed:        registry.ManagedExternal,
		HealthEndpoint: srv.URL,
		CheckInterval:  20 * time.Millisecond,
	}
	manual := fastDef("manual")
	manual.AutoStart = false
	auto := fastDef("auto")

	o := newTestOrchestrator(t, []registry.Definition{db, manual, auto}, Options{})
	require.NoError(t, o.StartAll(context.Background()))

	st, _ := o.Status("auto")
	assert.Equal(t, StateRunning, st.State)
	st, _ = o.Status("manual")
	assert.Equal(t, StateStopped, st.State)
	st, _ = o.Status("db")
	assert.Equal(t, StateExternal, st.State)
}

func TestDependencyTimeout(t *testing.T) {
	api := fastDef("api")
	api.Dependencies = []string{"queue"}
	api.AutoStart = false
	queue := fastDef("queue")
	queue.AutoStart = false

	o := newTestOrchestrator(t, []registry.Definition{api, queue}, Options{DependencyWait: 150 * time.Millisecond})

	err := o.Start(context.Background(), "api")
	require.Error(t, err)
	assert.Equal(t, CodeDependencyTimeout, CodeOf(err))

	st, _ := o.Status("api")
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.LastError, "queue")
}

func TestUnknownServiceRejected(t *testing.T) {
	o := newTestOrchestrator(t, []registry.Definition{fastDef("svc")}, Options{})

	err := o.Start(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, CodeUnknownService, CodeOf(err))

	_, err = o.Status("nope")
	assert.Equal(t, CodeUnknownService, CodeOf(err))
	_, err = o.Logs("nope", 10)
	assert.Equal(t, CodeUnknownService, CodeOf(err))
	_, err = o.ProcessInfo("nope")
	assert.Equal(t, CodeUnknownService, CodeOf(err))
}

func TestActionsRejectedDuringFullRestart(t *testing.T) {
	o := newTestOrchestrator(t, []registry.Definition{fastDef("svc")}, Options{})

	o.restarting.Store(true)
	defer o.restarting.Store(false)

	ctx := context.Background()
	for _, call := range []func() error{
		func() error { return o.Start(ctx, "svc") },
		func() error { return o.Stop(ctx, "svc") },
		func() error { return o.Restart(ctx, "svc") },
		func() error { return o.Kill(ctx, "svc", false) },
		func() error { return o.ResetCircuit(ctx, "svc") },
		o.FullRestart,
	} {
		err := call()
		require.Error(t, err)
		assert.Equal(t, CodeRestartInProgress, CodeOf(err))
	}
}

func TestFullRestartCyclesFleet(t *testing.T) {
	o := newTestOrchestrator(t, []registry.Definition{fastDef("svc")}, Options{})
	ctx := context.Background()

	require.NoError(t, o.StartAll(ctx))
	before, err := o.ProcessInfo("svc")
	require.NoError(t, err)
	require.NotNil(t, before.MainProcess.PID)

	require.NoError(t, o.FullRestart())
	require.Eventually(t, func() bool {
		return !o.Restarting()
	}, 15*time.Second, 20*time.Millisecond)

	st, err := o.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)

	after, err := o.ProcessInfo("svc")
	require.NoError(t, err)
	require.NotNil(t, after.MainProcess.PID)
	assert.NotEqual(t, *before.MainProcess.PID, *after.MainProcess.PID)
}

func TestStatusAllCounts(t *testing.T) {
	a := fastDef("a")
	b := fastDef("b")
	b.AutoStart = false

	o := newTestOrchestrator(t, []registry.Definition{a, b}, Options{Version: "1.2.3"})
	require.NoError(t, o.StartAll(context.Background()))

	info, statuses := o.StatusAll()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, 2, info.ServicesTotal)
	assert.Equal(t, 1, info.ServicesRunning)
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].ServiceID)
	assert.Equal(t, "b", statuses[1].ServiceID)
}

func TestKillForceStopsService(t *testing.T) {
	o := newTestOrchestrator(t, []registry.Definition{fastDef("svc")}, Options{})
	ctx := context.Background()

	require.NoError(t, o.StartAll(ctx))
	require.NoError(t, o.Kill(ctx, "svc", true))

	st, _ := o.Status("svc")
	assert.Equal(t, StateStopped, st.State)

	info, _ := o.ProcessInfo("svc")
	assert.False(t, info.MainProcess.Alive)
	assert.Equal(t, 1, info.KillTracking.KillAttempts)
}

func TestJournalPersistsTransitions(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "servo.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))

	o := newTestOrchestrator(t, []registry.Definition{fastDef("svc")}, Options{Store: st})
	require.NoError(t, o.StartAll(ctx))
	require.NoError(t, o.Stop(ctx, "svc"))

	var recent []store.Transition
	require.Eventually(t, func() bool {
		recent, err = st.Recent(ctx, "svc", 10)
		return err == nil && len(recent) >= 3
	}, 5*time.Second, 50*time.Millisecond)

	// newest first: stopped <- running <- starting <- stopped
	assert.Equal(t, "stopped", recent[0].To)
	seen := make(map[string]bool)
	for _, tr := range recent {
		seen[tr.To] = true
		assert.Equal(t, "svc", tr.ServiceID)
	}
	assert.True(t, seen["starting"])
	assert.True(t, seen["running"])
}

func TestShutdownStopsFleet(t *testing.T) {
	reg, err := registry.New([]registry.Definition{fastDef("svc")})
	require.NoError(t, err)
	o, err := New(reg, Options{Logger: discardLogger()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.StartAll(ctx))
	info, _ := o.ProcessInfo("svc")
	require.True(t, info.MainProcess.Alive)

	require.NoError(t, o.Shutdown(ctx))
	info, _ = o.ProcessInfo("svc")
	assert.False(t, info.MainProcess.Alive)
}
