package resilience

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpenCircuit is returned when the breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

type circuitState uint8

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// tally is the rolling outcome window the breaker trips on.
type tally struct {
	ok   int
	fail int
}

func (t tally) total() int { return t.ok + t.fail }

func (t tally) failureRatio() float64 {
	n := t.total()
	if n == 0 {
		return 0
	}
	return float64(t.fail) / float64(n)
}

// halve decays the window so one bad minute an hour ago cannot hold the
// ratio hostage forever.
func (t *tally) halve() {
	t.ok = (t.ok + 1) / 2
	t.fail = (t.fail + 1) / 2
}

// Breaker guards the payment gateway endpoint. A flapping upstream would
// otherwise keep every status poll waiting out its full retry schedule.
type Breaker struct {
	minRequests int
	tripRatio   float64
	openFor     time.Duration

	mu       sync.Mutex
	state    circuitState
	window   tally
	openedAt time.Time
	target   string
	logger   *zerolog.Logger
}

// NewBreaker returns a closed breaker that trips once minRequests outcomes
// have been observed and the failure ratio reaches failureRatio. While open
// it rejects everything for openFor, then lets a single probe through.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests < 1 {
		minRequests = 1
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{minRequests: minRequests, tripRatio: failureRatio, openFor: openFor}
}

// WithTarget names the guarded dependency for metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	b.target = strings.TrimSpace(target)
	b.exportState()
	b.mu.Unlock()
	return b
}

// WithLogger sets the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	b.logger = &logger
	b.mu.Unlock()
	return b
}

// Allow reports whether a request may proceed. An open breaker refuses
// everything until the cool-off elapses, then admits one probe by moving to
// half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateOpen {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	b.transition(stateHalfOpen)
	return true
}

// Report feeds a request outcome into the state machine. The half-open probe
// decides alone: one success closes the breaker, one failure reopens it.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		return
	case stateHalfOpen:
		if success {
			b.transition(stateClosed)
		} else {
			b.transition(stateOpen)
		}
		return
	}

	if success {
		b.window.ok++
	} else {
		b.window.fail++
	}
	if b.window.total() < b.minRequests {
		return
	}
	if b.window.failureRatio() >= b.tripRatio {
		b.transition(stateOpen)
		return
	}
	if b.window.total() > b.minRequests*2 {
		b.window.halve()
	}
}

// Backoff computes the exponential delay for a retry attempt, spread by
// jitterPct (0.2 means +-20%) so concurrent pollers do not stampede.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * jitterPct * float64(d)
	return d + time.Duration(spread)
}

func (b *Breaker) transition(next circuitState) {
	prev := b.state
	if prev == next {
		b.exportState()
		return
	}
	b.state = next
	b.window = tally{}
	switch next {
	case stateOpen:
		b.openedAt = time.Now()
	case stateClosed:
		b.openedAt = time.Time{}
	}
	b.exportState()

	label := b.label()
	BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	if next == stateOpen {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}
	if b.logger != nil {
		b.logger.Info().
			Str("target", label).
			Str("from_state", prev.String()).
			Str("to_state", next.String()).
			Msg("breaker_transition")
	}
}

func (b *Breaker) exportState() {
	var v float64
	switch b.state {
	case stateOpen:
		v = 1
	case stateHalfOpen:
		v = 2
	}
	BreakerState.WithLabelValues(b.label()).Set(v)
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}
