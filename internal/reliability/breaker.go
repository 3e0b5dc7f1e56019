package reliability

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Execute] when the breaker is open
// and the reset timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker] guarding a single upstream adapter
// (ASR, RAG, generation, synthesis or lip-sync).
type BreakerConfig struct {
	// Name identifies the adapter for logging and metrics, e.g. "asr.primary".
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax caps the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is invoked whenever the breaker transitions.
	// Used to drive the breaker-state gauge in internal/observability.
	OnStateChange func(name string, from, to BreakerState)
}

// Breaker is a three-state (closed/open/half-open) circuit breaker guarding
// calls into a single upstream adapter.
type Breaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to BreakerState)

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewBreaker creates a [Breaker]. Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		state:         BreakerClosed,
	}
}

// Execute runs fn if the breaker allows it. Returns [ErrBreakerOpen] without
// calling fn when open or when the half-open probe budget is exhausted.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.resetTimeout {
			b.transition(BreakerHalfOpen)
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	inHalfOpen := b.state == BreakerHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(inHalfOpen)
	} else {
		b.recordSuccess(inHalfOpen)
	}
	return err
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
	switch to {
	case BreakerOpen:
		slog.Warn("circuit breaker opened", "name", b.name)
	case BreakerHalfOpen:
		slog.Info("circuit breaker half-open probe", "name", b.name)
	case BreakerClosed:
		slog.Info("circuit breaker closed", "name", b.name)
	}
}

func (b *Breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()
	if inHalfOpen {
		b.halfOpenFails++
		b.transition(BreakerOpen)
		b.consecutiveFail = b.maxFailures
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.maxFailures {
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= b.halfOpenMax {
			b.transition(BreakerClosed)
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
		}
		return
	}
	b.consecutiveFail = 0
}

// State reports the current state, reflecting an elapsed reset timeout even
// before the next Execute call performs the actual transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(BreakerClosed)
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
}
