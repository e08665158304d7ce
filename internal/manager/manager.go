// Package manager implements the background task supervisor. It owns the
// task table and every secondary index, and coordinates the event bus,
// state machine, concurrency limiter, resource manager, notification
// service, and persistence store around the task lifecycle:
//
//   - Launch validates and enqueues tasks under the admission queue
//   - Start performs the two-phase child session commit
//   - Idle debounce detects completion from host status events
//   - Finalize runs the extract / notify / release saga exactly once
//   - Cancel, wait-for-completion, orphan sweep, eviction, and drain
//
// All task-table mutations happen under a single mutex, the Go analogue of
// the host's single-threaded event loop. Host RPC calls are suspension
// points made outside the lock; every handler re-checks task state after
// resuming.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/agents"
	"github.com/opencode-plugins/bgtasks/internal/common/config"
	"github.com/opencode-plugins/bgtasks/internal/common/logger"
	"github.com/opencode-plugins/bgtasks/internal/common/taskerr"
	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/host"
	"github.com/opencode-plugins/bgtasks/internal/limiter"
	"github.com/opencode-plugins/bgtasks/internal/notify"
	"github.com/opencode-plugins/bgtasks/internal/persistence"
	"github.com/opencode-plugins/bgtasks/internal/resources"
	"github.com/opencode-plugins/bgtasks/internal/saga"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
	"github.com/opencode-plugins/bgtasks/internal/task/state"
)

// tmuxAttachDelay gives the pane manager time to attach to a fresh session
// before the prompt starts streaming.
const tmuxAttachDelay = 500 * time.Millisecond

// drainPollInterval is how often Drain re-checks for live tasks.
const drainPollInterval = time.Second

// maxWaitTimeout caps WaitForCompletion; a zero timeout is rewritten to it.
const maxWaitTimeout = 30 * time.Minute

// Deps are the collaborators a Manager is assembled from. Host and Bus are
// required; the rest default sensibly when nil.
type Deps struct {
	Host      host.Client
	Bus       bus.Bus
	Machine   *state.Machine
	Limiter   *limiter.Limiter
	Resources *resources.Manager
	Notifier  *notify.Service
	Sagas     *saga.Orchestrator
	Store     *persistence.Store
	Variants  agents.VariantResolver
	Logger    *logger.Logger
}

// Manager supervises every background task from submission to terminal
// finalization.
type Manager struct {
	mu sync.Mutex

	config config.ManagerConfig
	logger *logger.Logger

	hostClient host.Client
	bus        bus.Bus
	machine    *state.Machine
	limiter    *limiter.Limiter
	resources  *resources.Manager
	notifier   *notify.Service
	sagas      *saga.Orchestrator
	store      *persistence.Store
	variants   agents.VariantResolver

	// Primary table and secondary indices. Invariant: bySession holds an
	// entry exactly while the task is non-terminal and has a session;
	// byParent mirrors the live task set per parent.
	tasks            map[string]*models.Task
	bySession        map[string]string
	byParent         map[string]map[string]bool
	pendingRetrieval map[string]map[string]bool
	evictionQueue    []string

	// Admission queue. A task id is in queueSet exactly while it is in
	// startQueue.
	startQueue     []string
	queueSet       map[string]bool
	queueLock      bool
	queueReprocess bool
	activeStarts   int

	// Per-task transient state.
	idleTimers map[string]*time.Timer
	finalizing map[string]bool
	finalized  map[string]bool
	waiters    map[string][]chan *models.Task
	permits    map[string]bool

	// sessionDeletes records tasks whose session delete was already issued,
	// so eviction after a cancel does not delete the session twice.
	sessionDeletes map[string]bool

	paused    bool
	sweepStop chan struct{}
	sweepDone chan struct{}

	// Validator judges a settled session transcript before completion; a
	// non-empty return is the failure reason. Replaceable before Start for
	// hosts with stricter completion criteria.
	Validator func(messages []host.Message) string

	now func() time.Time
}

// New assembles a manager from its collaborators.
func New(cfg config.ManagerConfig, deps Deps) (*Manager, error) {
	if deps.Host == nil {
		return nil, taskerr.ErrMissingHostClient
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "task-manager"))

	eventBus := deps.Bus
	if eventBus == nil {
		eventBus = bus.NewMemoryBus(log)
	}
	machine := deps.Machine
	if machine == nil {
		machine = state.NewDefault(eventBus, log)
	}
	lim := deps.Limiter
	if lim == nil {
		lim = limiter.New(limiter.DefaultConfig(), log)
	}
	res := deps.Resources
	if res == nil {
		res = resources.NewManager(log)
	}
	sagas := deps.Sagas
	if sagas == nil {
		sagas = saga.NewOrchestrator(log)
	}

	if cfg.MaxConcurrentStarts <= 0 {
		cfg.MaxConcurrentStarts = 10
	}
	if cfg.MaxCompletedTasks <= 0 {
		cfg.MaxCompletedTasks = 100
	}
	if cfg.IdleDebounceMs <= 0 {
		cfg.IdleDebounceMs = 500
	}
	if cfg.ResultMaxBytes <= 0 {
		cfg.ResultMaxBytes = models.ResultMaxBytes
	}
	if cfg.OrphanSweepIntervalSec <= 0 {
		cfg.OrphanSweepIntervalSec = 60
	}
	if cfg.RunningTimeoutMin <= 0 {
		cfg.RunningTimeoutMin = 30
	}

	return &Manager{
		config:           cfg,
		logger:           log,
		hostClient:       deps.Host,
		bus:              eventBus,
		machine:          machine,
		limiter:          lim,
		resources:        res,
		notifier:         deps.Notifier,
		sagas:            sagas,
		store:            deps.Store,
		variants:         deps.Variants,
		tasks:            make(map[string]*models.Task),
		bySession:        make(map[string]string),
		byParent:         make(map[string]map[string]bool),
		pendingRetrieval: make(map[string]map[string]bool),
		queueSet:         make(map[string]bool),
		idleTimers:       make(map[string]*time.Timer),
		finalizing:       make(map[string]bool),
		finalized:        make(map[string]bool),
		waiters:          make(map[string][]chan *models.Task),
		permits:          make(map[string]bool),
		sessionDeletes:   make(map[string]bool),
		Validator:        validateTranscript,
		now:              time.Now,
	}, nil
}

// Start begins the orphan sweep loop. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.sweepStop != nil {
		m.mu.Unlock()
		return
	}
	m.sweepStop = make(chan struct{})
	m.sweepDone = make(chan struct{})
	stop, done := m.sweepStop, m.sweepDone
	m.mu.Unlock()

	go m.sweepLoop(ctx, stop, done)
}

// Stop halts the sweep loop and cancels pending idle timers. Tasks are left
// in place; callers wanting a clean shutdown should Pause, Drain, and
// SaveState first.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.sweepStop, m.sweepDone
	m.sweepStop = nil
	m.sweepDone = nil
	for id, timer := range m.idleTimers {
		timer.Stop()
		delete(m.idleTimers, id)
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	m.resources.CleanupAll()
}

// Pause makes subsequent launches fail with ErrManagerPaused.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume re-enables launches.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Paused reports whether the manager is paused.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Drain blocks until no task is running or starting, polling once per
// second, or fails when the timeout elapses first.
func (m *Manager) Drain(ctx context.Context, timeout time.Duration) error {
	deadline := m.now().Add(timeout)
	for {
		if m.liveCount() == 0 {
			return nil
		}
		if m.now().After(deadline) {
			return fmt.Errorf("drain timed out after %s with %d live tasks", timeout, m.liveCount())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

func (m *Manager) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, task := range m.tasks {
		if task.Status == models.StatusRunning || task.Status == models.StatusStarting {
			n++
		}
	}
	return n
}

// Get returns a read-only snapshot of a task, or nil if unknown.
func (m *Manager) Get(taskID string) *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok {
		return task.Clone()
	}
	return nil
}

// List returns snapshots of every live task.
func (m *Manager) List() []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task.Clone())
	}
	return out
}

// TasksForParent returns snapshots of the tasks launched from a parent
// session.
func (m *Manager) TasksForParent(parentSessionID string) []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byParent[parentSessionID]
	out := make([]*models.Task, 0, len(ids))
	for id := range ids {
		if task, ok := m.tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	return out
}

// QueueDepth returns the admission queue length.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startQueue)
}

// WaiterCount returns the number of registered completion waiters for a
// task.
func (m *Manager) WaiterCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters[taskID])
}

// FinalizingCount returns how many tasks are mid-finalization.
func (m *Manager) FinalizingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finalizing)
}
