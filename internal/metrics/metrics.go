// Package metrics maintains counters, gauges, and histograms for background
// task activity by subscribing to the lifecycle event bus.
package metrics

import (
	"sync"
	"time"

	"github.com/opencode-plugins/bgtasks/internal/events/bus"
	"github.com/opencode-plugins/bgtasks/internal/task/models"
)

// durationBuckets are the upper bounds (inclusive) of the task duration
// histogram, in seconds. The final bucket is unbounded.
var durationBuckets = []float64{1, 5, 15, 60, 300, 900, 1800}

// Snapshot is a point-in-time view of collected metrics.
type Snapshot struct {
	Counters        map[string]int64 `json:"counters"`
	RunningTasks    int64            `json:"running_tasks"`
	PendingTasks    int64            `json:"pending_tasks"`
	DurationBuckets []float64        `json:"duration_buckets"`
	DurationCounts  []int64          `json:"duration_counts"`
	Healthy         bool             `json:"healthy"`
}

// Collector subscribes to the event bus and aggregates task metrics.
type Collector struct {
	mu             sync.Mutex
	counters       map[string]int64
	running        int64
	pending        int64
	durationCounts []int64
	starts         map[string]time.Time
	sub            bus.Subscription
}

// NewCollector creates a collector and subscribes it to the bus.
func NewCollector(eventBus bus.Bus) *Collector {
	c := &Collector{
		counters:       make(map[string]int64),
		durationCounts: make([]int64, len(durationBuckets)+1),
		starts:         make(map[string]time.Time),
	}
	c.sub = eventBus.Subscribe(bus.Wildcard, c.handle)
	return c
}

// Close detaches the collector from the bus.
func (c *Collector) Close() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
}

func (c *Collector) handle(e *bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[e.Type]++

	switch e.Type {
	case bus.EventTaskCreated:
		c.pending++
	case bus.EventTaskStarted:
		c.running++
		c.starts[e.TaskID] = e.Timestamp
	case bus.EventTaskTransition:
		from, _ := e.Data["from"].(string)
		if from == string(models.StatusPending) {
			c.pending--
		}
	case bus.EventTaskCompleted, bus.EventTaskFailed, bus.EventTaskCancelled:
		if start, ok := c.starts[e.TaskID]; ok {
			c.observeDurationLocked(e.Timestamp.Sub(start))
			delete(c.starts, e.TaskID)
			c.running--
		}
	}
}

func (c *Collector) observeDurationLocked(d time.Duration) {
	secs := d.Seconds()
	for i, upper := range durationBuckets {
		if secs <= upper {
			c.durationCounts[i]++
			return
		}
	}
	c.durationCounts[len(durationBuckets)]++
}

// Counter returns the current value of a named counter.
func (c *Collector) Counter(eventType string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[eventType]
}

// Snapshot returns a copy of all collected metrics plus a health summary.
// The collector is considered unhealthy when notification deliveries are
// failing more often than they succeed.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	counts := make([]int64, len(c.durationCounts))
	copy(counts, c.durationCounts)

	sent := c.counters[bus.EventNotificationSent]
	failed := c.counters[bus.EventNotificationFailed]

	return Snapshot{
		Counters:        counters,
		RunningTasks:    c.running,
		PendingTasks:    c.pending,
		DurationBuckets: append([]float64(nil), durationBuckets...),
		DurationCounts:  counts,
		Healthy:         failed <= sent,
	}
}
