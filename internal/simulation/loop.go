package simulation

import (
	"context"
	"time"
)

// StepFunc advances one fixed step. tick starts at 1 and increases by one per call.
type StepFunc func(tick uint64, step time.Duration)

// DefaultMaxCatchUp bounds how many steps one wake-up may run after a stall.
const DefaultMaxCatchUp = 5

// Loop drives a fixed timestep at a target frequency using an accumulator. Ticks missed during
// a stall are replayed up to the catch-up bound and the rest dropped, so a slow step cannot
// snowball into an ever-growing backlog.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	monitor    *TickMonitor
	maxCatchUp int
	tick       uint64
	ticker     *time.Ticker
	quit       chan struct{}
	done       chan struct{}
}

// NewLoop configures a loop that targets the provided frequency.
func NewLoop(targetHz float64, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(uint64, time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Loop{
		step:       interval,
		stepFunc:   step,
		monitor:    NewTickMonitor(interval),
		maxCatchUp: DefaultMaxCatchUp,
	}
}

// Monitor exposes tick timing statistics.
func (l *Loop) Monitor() *TickMonitor {
	if l == nil {
		return nil
	}
	return l.monitor
}

// Start begins ticking in a goroutine until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}
	l.ticker = time.NewTicker(l.step)
	l.quit = make(chan struct{})
	l.done = make(chan struct{})
	quit, done := l.quit, l.done
	go func() {
		defer close(done)
		l.run(ctx, quit)
	}()
}

// Run ticks on the calling goroutine until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	l.ticker = time.NewTicker(l.step)
	l.run(ctx, nil)
}

func (l *Loop) run(ctx context.Context, quit <-chan struct{}) {
	defer l.ticker.Stop()
	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case now := <-l.ticker.C:
			//1.- Accumulate elapsed time and run fixed steps while catching up.
			accumulator += now.Sub(last)
			last = now
			ran := 0
			for accumulator >= l.step && ran < l.maxCatchUp {
				l.Step()
				accumulator -= l.step
				ran++
			}
			//2.- Whatever is still owed after the catch-up bound is dropped.
			if accumulator >= l.step {
				l.monitor.Dropped(int(accumulator / l.step))
				accumulator %= l.step
			}
		}
	}
}

// Step runs exactly one fixed step on the calling goroutine, timing it.
func (l *Loop) Step() {
	l.tick++
	began := time.Now()
	l.stepFunc(l.tick, l.step)
	l.monitor.Observe(time.Since(began))
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.quit != nil {
		close(l.quit)
		l.quit = nil
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Ticks returns how many steps ran. Only safe from the stepping goroutine or after Stop.
func (l *Loop) Ticks() uint64 {
	if l == nil {
		return 0
	}
	return l.tick
}
