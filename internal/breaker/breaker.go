// Package breaker implements the circuit breaker guarding notification
// delivery to the host.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Default settings.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// Config holds breaker settings.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open probes.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probe calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTimeout:  DefaultRecoveryTimeout,
		HalfOpenMaxCalls: DefaultHalfOpenMaxCalls,
	}
}

// Breaker is a closed / open / half-open gate around a fallible call.
type Breaker struct {
	mu            sync.Mutex
	config        Config
	state         State
	failures      int
	halfOpenCalls int
	openedAt      time.Time
	logger        *logger.Logger
	now           func() time.Time // injectable clock for tests
}

// New creates a breaker in the closed state.
func New(cfg Config, log *logger.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return &Breaker{
		config: cfg,
		state:  StateClosed,
		logger: log.WithFields(zap.String("component", "circuit-breaker")),
		now:    time.Now,
	}
}

// State returns the current breaker state, accounting for recovery timeout
// expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := b.allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	release(err == nil)
	return err
}

// allow admits a call or rejects it with ErrOpen. The returned func must be
// called exactly once with the call's outcome.
func (b *Breaker) allow() (func(success bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			return nil, ErrOpen
		}
		b.toHalfOpenLocked()
		fallthrough
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return nil, ErrOpen
		}
		b.halfOpenCalls++
	case StateClosed:
		// All calls pass.
	}

	return b.record, nil
}

// record applies a call outcome.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenCalls--
		if success {
			b.logger.Info("breaker recovered", zap.String("state", "closed"))
			b.state = StateClosed
			b.failures = 0
			b.halfOpenCalls = 0
		} else {
			b.logger.Warn("probe failed, reopening breaker")
			b.openLocked()
		}
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.logger.Warn("failure threshold reached, opening breaker",
				zap.Int("failures", b.failures))
			b.openLocked()
		}
	case StateOpen:
		// A call admitted before the breaker opened; its outcome no
		// longer changes the state.
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.halfOpenCalls = 0
}

func (b *Breaker) toHalfOpenLocked() {
	b.state = StateHalfOpen
	b.halfOpenCalls = 0
}
