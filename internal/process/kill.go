package process

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"
)

// Phase is the kill escalation position for the current PID. It is reset to
// idle whenever a fresh spawn succeeds and never outlives the PID it tracks.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSigtermSent Phase = "sigterm_sent"
	PhaseSigtermWait Phase = "sigterm_wait"
	PhaseSigkillSent Phase = "sigkill_sent"
	PhaseKilled      Phase = "killed"
	PhaseZombie      Phase = "zombie"
)

// Escalation windows. The grace window bounds how long a SIGTERM may go
// unanswered before SIGKILL; the kill window bounds the final liveness poll.
const (
	DefaultGraceWindow = 5 * time.Second
	DefaultKillWindow  = 2 * time.Second
)

// ErrEscalationInFlight rejects a second kill while one is running for the
// same service; escalations are single-flight per PID.
var ErrEscalationInFlight = errors.New("kill escalation already in flight")

// Tracking is the externally visible escalation state.
type Tracking struct {
	Phase         Phase      `json:"phase"`
	SigTermSentAt *time.Time `json:"sigTermSentAt,omitempty"`
	SigKillSentAt *time.Time `json:"sigKillSentAt,omitempty"`
	KillAttempts  int        `json:"killAttempts"`
	LastKillError string     `json:"lastKillError,omitempty"`
}

// Escalator drives graceful-then-forced termination of one Child. Signal
// delivery failures (e.g. the process died between checks) are recorded but
// never abort the sequence; liveness is re-polled as if the signal had no
// effect.
type Escalator struct {
	mu       sync.Mutex
	child    *Child
	grace    time.Duration
	killWait time.Duration
	inFlight bool
	track    Tracking
}

func NewEscalator(child *Child, grace time.Duration) *Escalator {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Escalator{
		child:    child,
		grace:    grace,
		killWait: DefaultKillWindow,
		track:    Tracking{Phase: PhaseIdle},
	}
}

// Tracking returns a copy of the current escalation state.
func (e *Escalator) Tracking() Tracking {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track
}

// ResetForRun clears tracking back to idle. Called after a fresh spawn so
// tracking never describes a previous PID.
func (e *Escalator) ResetForRun() {
	e.mu.Lock()
	e.track = Tracking{Phase: PhaseIdle}
	e.mu.Unlock()
}

// Kill runs one escalation sequence. force=false walks
// sigterm_sent -> sigterm_wait -> (killed | sigkill_sent -> killed|zombie);
// force=true skips directly to sigkill_sent. Concurrent calls while a
// sequence is in flight return ErrEscalationInFlight.
func (e *Escalator) Kill(ctx context.Context, force bool) (Tracking, error) {
	e.mu.Lock()
	if e.inFlight {
		t := e.track
		e.mu.Unlock()
		return t, ErrEscalationInFlight
	}
	e.inFlight = true
	e.track.KillAttempts++
	e.track.LastKillError = ""
	e.track.SigTermSentAt = nil
	e.track.SigKillSentAt = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	if !e.child.Alive() {
		e.setPhase(PhaseKilled)
		return e.Tracking(), nil
	}

	if !force {
		e.setPhase(PhaseSigtermSent)
		now := time.Now()
		e.mu.Lock()
		e.track.SigTermSentAt = &now
		e.mu.Unlock()
		if err := e.child.Signal(syscall.SIGTERM); err != nil {
			e.recordSignalErr(err)
		}
		e.setPhase(PhaseSigtermWait)
		if e.waitExit(ctx, e.grace) {
			e.setPhase(PhaseKilled)
			return e.Tracking(), nil
		}
		if ctx.Err() != nil {
			return e.Tracking(), ctx.Err()
		}
	}

	e.setPhase(PhaseSigkillSent)
	now := time.Now()
	e.mu.Lock()
	e.track.SigKillSentAt = &now
	e.mu.Unlock()
	if err := e.child.Signal(syscall.SIGKILL); err != nil {
		e.recordSignalErr(err)
	}
	if e.waitExit(ctx, e.killWait) {
		e.setPhase(PhaseKilled)
		return e.Tracking(), nil
	}
	if ctx.Err() != nil {
		return e.Tracking(), ctx.Err()
	}
	e.setPhase(PhaseZombie)
	return e.Tracking(), nil
}

// waitExit polls for process exit up to d. It returns early when the child
// is reaped (the pending escalation timer is effectively cancelled) or the
// context is done.
func (e *Escalator) waitExit(ctx context.Context, d time.Duration) bool {
	done := e.child.WaitDone()
	if done == nil {
		return !e.child.Alive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return !e.child.Alive()
	case <-t.C:
		return !e.child.Alive()
	}
}

func (e *Escalator) setPhase(p Phase) {
	e.mu.Lock()
	e.track.Phase = p
	e.mu.Unlock()
}

func (e *Escalator) recordSignalErr(err error) {
	e.mu.Lock()
	e.track.LastKillError = err.Error()
	e.mu.Unlock()
}
