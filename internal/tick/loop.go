package tick

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is used when a loop is built with a non-positive interval.
const DefaultInterval = 10 * time.Millisecond

// StepFunc performs one unit of work per tick.
type StepFunc func()

// Loop calls a step function at a fixed interval on its own goroutine until the
// context is cancelled or Stop is invoked.
type Loop struct {
	interval time.Duration
	stepFunc StepFunc
	monitor  *Monitor

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewLoop configures a loop that runs step every interval. A non-nil monitor
// receives the duration of every step.
func NewLoop(interval time.Duration, step StepFunc, monitor *Monitor) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if step == nil {
		step = func() {}
	}
	return &Loop{interval: interval, stepFunc: step, monitor: monitor}
}

// Start begins ticking. Calling Start on a running loop has no effect.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(ctx, l.stop, l.done)
}

// Run ticks on the calling goroutine until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	l.run(ctx, nil, nil)
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	if done != nil {
		defer close(done)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			//1.- Time the step so slow ticks show up in the monitor.
			started := time.Now()
			l.stepFunc()
			l.monitor.Observe(time.Since(started))
		}
	}
}

// Stop signals the goroutine started by Start and waits for it to exit. It is
// idempotent.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if done == nil {
		return
	}
	close(stop)
	<-done
}

// Interval exposes the configured tick interval.
func (l *Loop) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
