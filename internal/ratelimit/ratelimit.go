// Package ratelimit caps requests-per-minute per user ahead of the paid
// pipeline. Sliding one-minute windows; in-memory for single instances,
// redis for shared deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter reports whether a request is allowed, the remaining quota,
// and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{windows: make(map[string]*window)}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	w, ok := r.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		r.windows[userID] = w
	}

	w.count++
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}

	return w.count <= limit, remaining, w.resetAt, nil
}
