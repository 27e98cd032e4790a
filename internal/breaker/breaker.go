package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tontinehq/tontine/internal/clock"
	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker rejects a call without
// attempting the wrapped operation.
var ErrOpen = errors.New("circuit_open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive successful probes
	// required to close again.
	HalfOpenSuccesses int
	// Fallback, when set, runs instead of returning ErrOpen.
	Fallback func(ctx context.Context) error
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 2
	}
	return c
}

// Breaker protects calls to the payment gateway. Consecutive failures
// open it; after ResetTimeout a limited number of probes may pass, and
// enough probe successes close it again.
type Breaker struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	onStateChange func(from, to State)
}

func New(cfg Config, clk clock.Clock, log *zap.Logger) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		clock: clk,
		log:   log.Named("breaker"),
		state: StateClosed,
	}
}

// OnStateChange registers a callback fired inside the state lock on
// every transition. Used for metrics.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Execute runs op under the breaker's admission policy.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		if b.cfg.Fallback != nil {
			return b.cfg.Fallback(ctx)
		}
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state, applying the open-to-half-open
// timeout transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// ForceClose resets the breaker to closed. Operator escape hatch.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	default:
		return ErrOpen
	}
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
		b.successes = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.transition(StateClosed)
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.clock.Now()
	b.failures = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.log.Warn("breaker.state",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
