// Package limiter provides the per-model concurrency limiter guarding child
// session starts. Permits are held for the entire non-terminal lifetime of a
// task and handed directly to the head waiter on release so the queue stays
// FIFO per model.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

// Default settings.
const (
	DefaultLimit          = 3
	DefaultAcquireTimeout = 5 * time.Minute
)

// ErrAcquireTimeout is returned when a waiter is not woken within its timeout.
var ErrAcquireTimeout = errors.New("limiter acquire timeout")

// Config holds limiter settings.
type Config struct {
	// DefaultLimit applies when no model limit matches.
	DefaultLimit int

	// AcquireTimeout bounds how long Acquire waits for a permit.
	AcquireTimeout time.Duration

	// ModelLimits maps a model key or glob pattern (* matches any run of
	// characters) to its cap.
	ModelLimits map[string]int
}

// DefaultConfig returns the default limiter configuration with the known
// provider caps.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   DefaultLimit,
		AcquireTimeout: DefaultAcquireTimeout,
		ModelLimits: map[string]int{
			"anthropic/*": 3,
			"openai/*":    5,
			"google/*":    10,
		},
	}
}

// waiter is one queued Acquire call.
type waiter struct {
	ready chan struct{}
	// granted is set under the limiter lock when a release hands this
	// waiter the permit.
	granted bool
}

// modelState tracks the live count and FIFO waiters for one model key.
type modelState struct {
	count   int
	waiters []*waiter
}

// Limiter is the per-model fairness token pool.
type Limiter struct {
	mu       sync.Mutex
	config   Config
	models   map[string]*modelState
	patterns map[string]*regexp.Regexp // compiled glob cache
	logger   *logger.Logger
}

// New creates a limiter.
func New(cfg Config, log *logger.Logger) *Limiter {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Limiter{
		config:   cfg,
		models:   make(map[string]*modelState),
		patterns: make(map[string]*regexp.Regexp),
		logger:   log.WithFields(zap.String("component", "limiter")),
	}
}

// LimitFor resolves the cap for a model: exact key first, then glob
// patterns, then the default.
func (l *Limiter) LimitFor(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitForLocked(model)
}

func (l *Limiter) limitForLocked(model string) int {
	if limit, ok := l.config.ModelLimits[model]; ok {
		return limit
	}
	for pattern, limit := range l.config.ModelLimits {
		if !strings.Contains(pattern, "*") {
			continue
		}
		if re := l.compiled(pattern); re != nil && re.MatchString(model) {
			return limit
		}
	}
	return l.config.DefaultLimit
}

// compiled returns the cached regexp for a glob pattern, compiling it on
// first use.
func (l *Limiter) compiled(pattern string) *regexp.Regexp {
	if re, ok := l.patterns[pattern]; ok {
		return re
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		re = nil
	}
	l.patterns[pattern] = re
	return re
}

// Acquire obtains a permit for model, waiting up to the configured timeout.
// Waiters are served in FIFO order.
func (l *Limiter) Acquire(ctx context.Context, model string) error {
	return l.AcquireTimeout(ctx, model, l.config.AcquireTimeout)
}

// AcquireTimeout obtains a permit with an explicit timeout.
func (l *Limiter) AcquireTimeout(ctx context.Context, model string, timeout time.Duration) error {
	l.mu.Lock()
	state := l.stateLocked(model)
	if state.count < l.limitForLocked(model) {
		state.count++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	state.waiters = append(state.waiters, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		if l.abandon(model, w) {
			return fmt.Errorf("%w: model %s after %s", ErrAcquireTimeout, model, timeout)
		}
		// The permit was handed over while the timer fired; keep it.
		return nil
	case <-ctx.Done():
		if l.abandon(model, w) {
			return ctx.Err()
		}
		return nil
	}
}

// abandon removes w from the queue. It returns false when the permit was
// already granted, in which case the caller owns it.
func (l *Limiter) abandon(model string, w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.granted {
		return false
	}
	state := l.models[model]
	for i, queued := range state.waiters {
		if queued == w {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			break
		}
	}
	return true
}

// Release returns a permit for model. If a waiter is queued the permit is
// transferred to it directly; otherwise the live count is decremented.
func (l *Limiter) Release(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.models[model]
	if state == nil {
		return
	}
	if len(state.waiters) > 0 {
		head := state.waiters[0]
		state.waiters = state.waiters[1:]
		head.granted = true
		close(head.ready)
		return
	}
	if state.count > 0 {
		state.count--
	}
}

// Active returns the live permit count for model.
func (l *Limiter) Active(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.models[model]; state != nil {
		return state.count
	}
	return 0
}

// Waiters returns the queued waiter count for model.
func (l *Limiter) Waiters(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.models[model]; state != nil {
		return len(state.waiters)
	}
	return 0
}

func (l *Limiter) stateLocked(model string) *modelState {
	state, ok := l.models[model]
	if !ok {
		state = &modelState{}
		l.models[model] = state
	}
	return state
}
