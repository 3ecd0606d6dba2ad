// Package ratelimit enforces per-client sliding-window request limits.
// The window holds the timestamps of recent requests; a request is rejected
// when the trailing window already contains the client's limit. Rejected
// requests do not consume a slot, so a client recovers as soon as the oldest
// timestamp ages out.
//
// Two backends share the Limiter contract: an in-process memory limiter for
// single-node deployments and a Redis-backed limiter for operators who need
// limits that survive process restarts or span replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the sliding window width.
const Window = 60 * time.Second

// idleTTL is how long an untouched bucket survives before the janitor
// removes it.
const idleTTL = 5 * time.Minute

type (
	// Limiter decides immediately whether a client request fits in its
	// sliding window. Implementations never block.
	Limiter interface {
		// Check records the request when it fits and reports the advisory
		// limit metadata either way.
		Check(ctx context.Context, clientID string, limit int) (Result, error)
	}

	// Result carries the decision and the advisory header values.
	Result struct {
		// Allowed reports whether the request fits in the window.
		Allowed bool
		// Limit is the client's requests-per-window limit.
		Limit int
		// Remaining is the number of requests left in the current window.
		Remaining int
		// Reset is the time until the oldest windowed request expires; used
		// for X-RateLimit-Reset and Retry-After.
		Reset time.Duration
	}

	// MemoryLimiter is the in-process backend. A global mutex guards the
	// bucket map; each bucket has its own lock so concurrent clients do not
	// contend beyond map lookup.
	MemoryLimiter struct {
		mu      sync.Mutex
		buckets map[string]*bucket

		now func() time.Time
	}

	bucket struct {
		mu       sync.Mutex
		stamps   []time.Time
		lastSeen time.Time
	}
)

// NewMemoryLimiter builds the in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Check implements Limiter.
func (l *MemoryLimiter) Check(_ context.Context, clientID string, limit int) (Result, error) {
	if limit <= 0 {
		return Result{Limit: limit, Reset: Window}, nil
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{}
		l.buckets[clientID] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now

	cutoff := now.Add(-Window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}

	if len(b.stamps) >= limit {
		return Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			Reset:     b.stamps[0].Add(Window).Sub(now),
		}, nil
	}

	b.stamps = append(b.stamps, now)
	remaining := limit - len(b.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		Reset:     b.stamps[0].Add(Window).Sub(now),
	}, nil
}

// StartJanitor evicts idle buckets until ctx is cancelled. Long-running
// processes should start exactly one; function-style deployments that die
// between invocations can skip it.
func (l *MemoryLimiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictIdle(l.now().Add(-idleTTL))
			}
		}
	}()
}

func (l *MemoryLimiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, id)
		}
	}
}

// Reset clears the bucket for a client. Exposed for tests.
func (l *MemoryLimiter) Reset(clientID string) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}
