package breaker

import (
	"errors"
	"time"
)

// State is the breaker position. It is independent of the service lifecycle
// state but gates whether automatic starts may be attempted.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	Cooldown State = "cooldown"
)

// Backoff policy: BaseBackoff doubled per consecutive trip, capped at
// MaxBackoff. First trip waits BaseBackoff.
const (
	BaseBackoff = 5 * time.Second
	MaxBackoff  = 5 * time.Minute

	// DefaultThreshold applies when the registry leaves the failure
	// threshold unset.
	DefaultThreshold = 3
)

// ErrNotOpen is returned by Reset when the breaker is not in the open state.
var ErrNotOpen = errors.New("circuit breaker is not open")

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	State          State      `json:"state"`
	Failures       int        `json:"failures"`
	Trips          int        `json:"trips"`
	BackoffSeconds int        `json:"backoffSeconds"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
}

// Breaker is a per-service failure-threshold circuit breaker. It is not safe
// for concurrent use: exactly one goroutine (the service's supervision actor)
// owns it.
type Breaker struct {
	threshold int
	state     State
	failures  int
	trips     int
	backoff   time.Duration
	nextRetry time.Time
	now       func() time.Time
}

func New(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Breaker{threshold: threshold, state: Closed, now: time.Now}
}

// SetClock overrides the time source; tests only.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

func (b *Breaker) State() State   { return b.state }
func (b *Breaker) Failures() int  { return b.failures }
func (b *Breaker) Trips() int     { return b.trips }
func (b *Breaker) Threshold() int { return b.threshold }

// AllowStart reports whether an automatic start attempt is permitted.
// Explicit operator starts bypass this check (and must call Reset or
// ForceClose first).
func (b *Breaker) AllowStart() bool { return b.state == Closed }

// RecordFailure counts one probe failure while closed. It returns true when
// the failure crossed the threshold and tripped the breaker to open.
func (b *Breaker) RecordFailure() bool {
	if b.state != Closed {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
		return true
	}
	return false
}

// RecordSuccess clears the consecutive failure count while closed.
func (b *Breaker) RecordSuccess() {
	if b.state == Closed {
		b.failures = 0
	}
}

func (b *Breaker) trip() {
	b.trips++
	b.backoff = BaseBackoff << (b.trips - 1)
	if b.backoff > MaxBackoff || b.backoff <= 0 {
		b.backoff = MaxBackoff
	}
	b.nextRetry = b.now().Add(b.backoff)
	b.state = Open
}

// RetryDue reports whether the open backoff window has elapsed.
func (b *Breaker) RetryDue() bool {
	return b.state == Open && !b.now().Before(b.nextRetry)
}

// BeginCooldown moves open->cooldown once the backoff window elapsed.
// Exactly one probe must follow, reported via CooldownResult.
func (b *Breaker) BeginCooldown() bool {
	if !b.RetryDue() {
		return false
	}
	b.state = Cooldown
	return true
}

// CooldownResult settles the single cooldown probe: success closes the
// breaker and clears both failure and trip counts; failure reopens it with
// the next larger backoff.
func (b *Breaker) CooldownResult(ok bool) {
	if b.state != Cooldown {
		return
	}
	if ok {
		b.state = Closed
		b.failures = 0
		b.trips = 0
		b.backoff = 0
		b.nextRetry = time.Time{}
		return
	}
	b.state = Closed // trip() requires closed; transition is cooldown->open
	b.failures = 0
	b.trip()
}

// Reset is the manual operator reset. It is valid only while open.
func (b *Breaker) Reset() error {
	if b.state != Open {
		return ErrNotOpen
	}
	b.ForceClose()
	return nil
}

// ForceClose unconditionally closes the breaker and clears all counters.
// Used by explicit operator start (circuit override) and by restart.
func (b *Breaker) ForceClose() {
	b.state = Closed
	b.failures = 0
	b.trips = 0
	b.backoff = 0
	b.nextRetry = time.Time{}
}

// CloseKeepTrips closes the breaker and zeroes the consecutive failure count
// while keeping the historical trip count, per restart semantics: the next
// trip after a restart still backs off longer than the previous one.
func (b *Breaker) CloseKeepTrips() {
	b.state = Closed
	b.failures = 0
	b.backoff = 0
	b.nextRetry = time.Time{}
}

// Snapshot returns a copy for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	s := Snapshot{
		State:          b.state,
		Failures:       b.failures,
		Trips:          b.trips,
		BackoffSeconds: int(b.backoff / time.Second),
	}
	if !b.nextRetry.IsZero() {
		t := b.nextRetry
		s.NextRetryAt = &t
	}
	return s
}
