// Package breaker implements a circuit breaker guarding the search
// execution path. Repeated consecutive failures open the circuit, calls are
// rejected while it is open, and after a recovery timeout a bounded number
// of trial calls probe whether the underlying work is healthy again.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
)

// ErrOpen is returned by Execute when the circuit rejects the call without
// running it. Rejections never count as failures.
var ErrOpen = errors.New("circuit breaker is open")

// State names the breaker position. The values appear verbatim in status
// payloads.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultTrialLimit       = 3
)

// Breaker is safe for concurrent use. The zero value is not usable; construct
// with New.
type Breaker struct {
	clk              clock.Clock
	failureThreshold int
	recoveryTimeout  time.Duration
	trialLimit       int

	mu             sync.Mutex
	state          State
	failures       int
	trials         int
	lastTransition time.Time
}

// Option tweaks a Breaker at construction time.
type Option func(*Breaker)

func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clk = c }
}

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) { b.failureThreshold = n }
}

func WithRecoveryTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.recoveryTimeout = d }
}

func WithTrialLimit(n int) Option {
	return func(b *Breaker) { b.trialLimit = n }
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		clk:              clock.C,
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		trialLimit:       DefaultTrialLimit,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.clk.Now()
	return b
}

// Execute runs fn under the breaker's admission rules. When the circuit is
// open, or all half-open trial slots are taken, fn is not invoked and
// ErrOpen is returned. Otherwise fn's error is returned unchanged and its
// outcome recorded.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	b.record(trial, err)
	return err
}

// admit decides whether a call may proceed. It reports whether the call is a
// half-open trial so its completion can be matched against the slot count.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.trials >= b.trialLimit {
			return false, ErrOpen
		}
		b.trials++
		return true, nil
	default:
		return false, ErrOpen
	}
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.trials > 0 {
		b.trials--
	}

	if err != nil {
		b.failures++
		if b.state == HalfOpen {
			// A failed trial reopens the circuit and restarts the
			// recovery timer.
			b.transition(Open)
		} else if b.state == Closed && b.failures >= b.failureThreshold {
			b.transition(Open)
		}
		return
	}

	if b.state == HalfOpen {
		// One healthy trial is enough to close.
		b.transition(Closed)
	}
	b.failures = 0
}

// maybeHalfOpen moves an open circuit whose recovery timeout has elapsed into
// the half-open state. Caller holds b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state != Open {
		return
	}
	if b.clk.Now().Sub(b.lastTransition) >= b.recoveryTimeout {
		b.transition(HalfOpen)
	}
}

// transition changes state and stamps the time. Caller holds b.mu.
func (b *Breaker) transition(s State) {
	b.state = s
	b.trials = 0
	b.lastTransition = b.clk.Now()
}

// Snapshot is a point-in-time view of the breaker for status reporting.
type Snapshot struct {
	State               State   `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	FailureThreshold    int     `json:"failure_threshold"`
	RecoveryTimeoutSecs float64 `json:"recovery_timeout_seconds"`
	LastTransitionAt    string  `json:"last_transition_at"`
}

// Snapshot reports the current breaker state. An open circuit whose timeout
// has elapsed is reported as half-open, matching what the next Execute
// would observe.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.failureThreshold,
		RecoveryTimeoutSecs: b.recoveryTimeout.Seconds(),
		LastTransitionAt:    b.lastTransition.UTC().Format(time.RFC3339Nano),
	}
}
