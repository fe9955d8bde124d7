package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"kline-hub/internal/metrics"

	"golang.org/x/time/rate"
)

// Manager holds one limiter per exchange.
type Manager struct {
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

// Limiter paces requests to one exchange and backs off adaptively after the
// exchange reports a rate limit.
type Limiter struct {
	name    string
	limiter *rate.Limiter
	mu      sync.RWMutex

	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	backoffDuration   time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// Stats is a snapshot of a limiter.
type Stats struct {
	Name             string    `json:"name"`
	RequestCount     int64     `json:"request_count"`
	RateLimitHits    int64     `json:"rate_limit_hits"`
	LastRateLimitHit time.Time `json:"last_rate_limit"`
	BackoffMs        int64     `json:"current_backoff_ms"`
}

func NewManager() *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
	}
}

// Register installs (or replaces) the limiter for an exchange.
func (m *Manager) Register(name string, rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		name:              name,
		limiter:           rate.NewLimiter(rate.Limit(rps), burst),
		maxBackoff:        5 * time.Minute,
		backoffMultiplier: 1.5,
	}

	m.mu.Lock()
	m.limiters[name] = l
	m.mu.Unlock()
	return l
}

// Stats returns a snapshot of every limiter sorted by name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.limiters))
	for _, l := range m.limiters {
		out = append(out, l.Stats())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait blocks until a request may be sent, honouring any active backoff.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	backoff := l.backoffDuration
	lastHit := l.lastRateLimitHit
	l.mu.RUnlock()

	if remaining := backoff - time.Since(lastHit); backoff > 0 && remaining > 0 {
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return l.limiter.Wait(ctx)
}

// RecordRateLimitHit grows the backoff: 1s on the first hit, then by 1.5x
// up to five minutes.
func (l *Limiter) RecordRateLimitHit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rateLimitHits++
	l.lastRateLimitHit = time.Now()

	if l.backoffDuration == 0 {
		l.backoffDuration = time.Second
	} else {
		l.backoffDuration = time.Duration(float64(l.backoffDuration) * l.backoffMultiplier)
		if l.backoffDuration > l.maxBackoff {
			l.backoffDuration = l.maxBackoff
		}
	}
	metrics.RateLimitHits.WithLabelValues(l.name).Inc()
}

// RecordSuccess shrinks the backoff by 10% per success and clears it five
// minutes after the last hit.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestCount++

	if l.backoffDuration > 0 {
		if time.Since(l.lastRateLimitHit) > 5*time.Minute {
			l.backoffDuration = 0
		} else {
			l.backoffDuration = time.Duration(float64(l.backoffDuration) * 0.9)
			if l.backoffDuration < time.Second {
				l.backoffDuration = 0
			}
		}
	}
}

// Backoff returns the current adaptive backoff.
func (l *Limiter) Backoff() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.backoffDuration
}

func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Name:             l.name,
		RequestCount:     l.requestCount,
		RateLimitHits:    l.rateLimitHits,
		LastRateLimitHit: l.lastRateLimitHit,
		BackoffMs:        l.backoffDuration.Milliseconds(),
	}
}
