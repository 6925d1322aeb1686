// Package breaker implements per-provider circuit breaking with adaptive
// probe scheduling. A provider that fails repeatedly is taken out of
// rotation; recovery is detected through single-flight probe requests whose
// cadence adapts to how the provider answers them.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit position for one provider.
type State int32

const (
	// StateClosed passes requests through normally.
	StateClosed State = iota
	// StateOpen rejects requests until the next probe window.
	StateOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings holds the thresholds for one provider's breaker.
type Settings struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int
	// ProbeIntervalMin is the floor the probe interval shrinks toward
	// while probes keep reaching the provider.
	ProbeIntervalMin time.Duration
	// ProbeIntervalMax is the interval used right after the circuit opens
	// and again after a probe cannot reach the provider at all.
	ProbeIntervalMax time.Duration
}

// DefaultSettings returns the thresholds used when a provider omits them.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ProbeIntervalMin: 30 * time.Second,
		ProbeIntervalMax: 10 * time.Minute,
	}
}

// Breaker tracks one provider's circuit state. All methods are safe for
// concurrent use.
type Breaker struct {
	mu sync.Mutex

	settings Settings
	state    State

	consecutiveFailures int
	lastFailureAt       time.Time
	nextProbeAt         time.Time
	probeInterval       time.Duration
	probeInFlight       bool

	now           func() time.Time
	onStateChange func(from, to State)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked on every state transition.
// The callback runs outside the breaker lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker with the given settings.
func New(settings Settings, opts ...Option) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.ProbeIntervalMin <= 0 {
		settings.ProbeIntervalMin = DefaultSettings().ProbeIntervalMin
	}
	if settings.ProbeIntervalMax < settings.ProbeIntervalMin {
		settings.ProbeIntervalMax = DefaultSettings().ProbeIntervalMax
	}
	b := &Breaker{
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may be sent to the provider. When the
// circuit is open and the probe window has elapsed, exactly one caller is
// admitted as a probe (probe=true); every other caller is rejected until
// that probe resolves.
func (b *Breaker) Allow() (allowed, probe bool) {
	b.mu.Lock()
	var transition func()

	switch b.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if !b.probeInFlight && !b.now().Before(b.nextProbeAt) {
			transition = b.transitionTo(StateHalfOpen)
			b.probeInFlight = true
			allowed, probe = true, true
		}

	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed, probe = true, true
		}
	}

	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	return allowed, probe
}

// RecordSuccess marks a completed successful request. A probe success
// closes the circuit and clears the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition func()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		transition = b.transitionTo(StateClosed)
		b.consecutiveFailures = 0
		b.probeInFlight = false
		b.probeInterval = 0
	}

	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// RecordFailure marks a failed request. reachable distinguishes a provider
// that answered with an error from one that could not be reached at all:
// a reachable probe failure halves the probe interval toward the minimum,
// an unreachable one resets it to the maximum.
func (b *Breaker) RecordFailure(reachable bool) {
	b.mu.Lock()
	var transition func()
	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			transition = b.transitionTo(StateOpen)
			b.probeInterval = b.settings.ProbeIntervalMax
			b.nextProbeAt = now.Add(b.probeInterval)
		}

	case StateHalfOpen:
		transition = b.transitionTo(StateOpen)
		b.probeInFlight = false
		if reachable {
			b.probeInterval /= 2
			if b.probeInterval < b.settings.ProbeIntervalMin {
				b.probeInterval = b.settings.ProbeIntervalMin
			}
		} else {
			b.probeInterval = b.settings.ProbeIntervalMax
		}
		b.nextProbeAt = now.Add(b.probeInterval)
	}

	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// ReleaseProbe returns an admitted probe slot without counting an outcome,
// for probes aborted by client cancellation before a verdict was reached.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker internals for diagnostics.
func (b *Breaker) Snapshot() (state State, consecutiveFailures int, nextProbeAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.consecutiveFailures, b.nextProbeAt
}

// transitionTo switches state and returns the callback to run after the
// lock is released, or nil when nothing changed.
func (b *Breaker) transitionTo(next State) func() {
	if b.state == next {
		return nil
	}
	from := b.state
	b.state = next
	if b.onStateChange == nil {
		return nil
	}
	fn := b.onStateChange
	return func() { fn(from, next) }
}
