package server

import (
	"sync"
	"time"
)

const (
	limitWindow = time.Minute
	limitBurst  = 10
)

// rateLimiter is a fixed-window counter keyed by client address and action.
// It only guards abuse-prone endpoints like game creation; stale windows are
// swept lazily on each check.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*limitWindowState
}

type limitWindowState struct {
	start time.Time
	count int
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string]*limitWindowState)}
}

func (l *rateLimiter) allow(clientIP, action string) bool {
	key := clientIP + "|" + action
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, w := range l.windows {
		if now.Sub(w.start) > 2*limitWindow {
			delete(l.windows, k)
		}
	}

	w := l.windows[key]
	if w == nil || now.Sub(w.start) > limitWindow {
		l.windows[key] = &limitWindowState{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= limitBurst
}
