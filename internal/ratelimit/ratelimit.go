package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Limiter decides whether a user may issue another command right now.
type Limiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}

// SlidingWindow allows at most limit events per user within any window-long
// interval. A rejected call leaves the user's history untouched.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[int64][]time.Time
	now    func() time.Time
}

type Option func(*SlidingWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindow) { l.now = now }
}

func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{
		limit:  limit,
		window: window,
		events: make(map[int64][]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SlidingWindow) Allow(_ context.Context, userID int64) (bool, error) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.events[userID]
	start := 0
	for start < len(recent) && !recent[start].After(cutoff) {
		start++
	}
	if len(recent)-start >= l.limit {
		return false, nil
	}

	kept := make([]time.Time, 0, len(recent)-start+1)
	kept = append(kept, recent[start:]...)
	l.events[userID] = append(kept, now)
	return true, nil
}

// Remaining returns how many more events the user may issue in the current window.
func (l *SlidingWindow) Remaining(userID int64) int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, t := range l.events[userID] {
		if t.After(cutoff) {
			n++
		}
	}
	if n >= l.limit {
		return 0
	}
	return l.limit - n
}

// Cleanup drops users with no events inside the window.
func (l *SlidingWindow) Cleanup() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, ts := range l.events {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.events, id)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (l *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				slog.Debug("rate limiter cleanup", "removed", n)
			}
		}
	}
}
