package tick

import (
	"sync"
	"time"
)

// Snapshot summarises observed tick durations.
type Snapshot struct {
	Samples int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
}

// Monitor accumulates timing statistics for a tick loop.
type Monitor struct {
	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	observer func(time.Duration)
}

// NewMonitor constructs an empty monitor. observer, when set, is called with
// every sample outside the monitor lock.
func NewMonitor(observer func(time.Duration)) *Monitor {
	return &Monitor{observer: observer}
}

// Observe records the duration of a completed tick.
func (m *Monitor) Observe(duration time.Duration) {
	if m == nil || duration < 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate count and total for the average.
	m.samples++
	m.total += duration
	//2.- Keep the worst tick so spikes stay visible.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(duration)
	}
}

// Snapshot returns a copy of the aggregated statistics.
func (m *Monitor) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	samples, total, max, last := m.samples, m.total, m.max, m.last
	m.mu.Unlock()

	average := time.Duration(0)
	if samples > 0 {
		average = total / time.Duration(samples)
	}
	return Snapshot{Samples: samples, Average: average, Max: max, Last: last}
}

// Reset clears the accumulated statistics.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.mu.Unlock()
}
