package logging

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttles holds one limiter per key, shared by every logger derived from the same root.
type throttles struct {
	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	limiter    *rate.Limiter
	suppressed int64
}

func newThrottles() *throttles {
	return &throttles{gates: make(map[string]*gate)}
}

// admit reports whether a line for key may be written now and how many were dropped since the
// last admitted one.
func (t *throttles) admit(key string, every time.Duration, now time.Time) (bool, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[key]
	if !ok {
		g = &gate{limiter: rate.NewLimiter(rate.Every(every), 1)}
		t.gates[key] = g
	}
	if !g.limiter.AllowN(now, 1) {
		g.suppressed++
		return false, 0
	}
	dropped := g.suppressed
	g.suppressed = 0
	return true, dropped
}

func (t *throttles) forget(keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		delete(t.gates, key)
	}
}

func (t *throttles) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gates)
}

// Forget releases the throttle state of keys whose subject is gone, such as a disconnected
// observer. Suppressed counts for those keys are discarded.
func (l *Logger) Forget(keys ...string) {
	if l == nil {
		L().Forget(keys...)
		return
	}
	l.core.gates.forget(keys)
}

// WarnEvery logs a warning at most once per interval for key. Hot paths such as per-tick send
// failures use it; the next admitted line carries a "suppressed" count of the lines dropped.
func (l *Logger) WarnEvery(key string, every time.Duration, message string, fields ...Field) {
	l.logEvery(WarnLevel, key, every, message, fields)
}

// DebugEvery is the debug-level counterpart of WarnEvery.
func (l *Logger) DebugEvery(key string, every time.Duration, message string, fields ...Field) {
	l.logEvery(DebugLevel, key, every, message, fields)
}

func (l *Logger) logEvery(level Level, key string, every time.Duration, message string, fields []Field) {
	if l == nil {
		L().logEvery(level, key, every, message, fields)
		return
	}
	if !l.core.enabled(level) {
		return
	}
	if every <= 0 {
		l.write(level, message, fields)
		return
	}
	ok, dropped := l.core.gates.admit(key, every, l.core.now())
	if !ok {
		return
	}
	if dropped > 0 {
		fields = append(fields[:len(fields):len(fields)], Int64("suppressed", dropped))
	}
	l.write(level, message, fields)
}
