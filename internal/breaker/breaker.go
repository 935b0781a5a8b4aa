// Package breaker implements the per-printer circuit breaker (§4.3). Each
// printer gets its own *Breaker; a tripped breaker never affects traffic to
// another printer, matching the per-printer isolation invariant in §5.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the breaker's thresholds; zero values fall back to the
// spec defaults.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 5 * time.Minute
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return c
}

// Breaker is a single printer's failure-isolation state machine. All
// methods are safe for concurrent use, but since each worker owns exactly
// one printer (§5), contention in practice is limited to the watchdog
// reading Snapshot concurrently with the worker's Allow/RecordSuccess/
// RecordFailure calls.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	fails  int
	openAt time.Time
	probes int

	now func() time.Time
}

// New returns a closed breaker for one printer.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: Closed,
		now:   time.Now,
	}
}

// Snapshot is a read-only view of the breaker's current state, used by the
// health endpoint and tests.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenUntil           time.Time
}

// Snapshot returns the breaker's state, advancing open->half_open first if
// the wall clock (monotonic in production; Breaker.now is swappable in
// tests) has passed OpenUntil.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return Snapshot{State: b.state, ConsecutiveFailures: b.fails, OpenUntil: b.openAt}
}

// Allow reports whether a new request may proceed. In half_open state it
// admits at most cfg.HalfOpenProbes concurrent probes; callers that are
// allowed through MUST eventually call RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
			return true
		}
		return false
	default: // Open
		return false
	}
}

// Release returns a half-open probe slot that Allow granted but that was
// never actually attempted against the printer (no job was available to
// send). Without this, a probe slot consumed on an empty lease would sit
// unresolved forever and the breaker would never admit another probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == Open && !b.openAt.IsZero() && b.now().After(b.openAt) {
		b.state = HalfOpen
		b.probes = 0
	}
}

// RecordSuccess resets the failure counter and closes the breaker,
// regardless of which state admitted the request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.fails = 0
	b.probes = 0
	b.openAt = time.Time{}
}

// RecordFailure counts a failure. In closed state, reaching the failure
// threshold trips the breaker open. In half_open state, any failure
// re-opens and extends open_until from now.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.trip()
		}
	case Open:
		// already open; extend anyway so a probe that slipped in just
		// before expiry doesn't shorten the window.
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openAt = b.now().Add(b.cfg.OpenDuration)
	b.probes = 0
}
