// Package ratelimit throttles what a single peer may send.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/transport"
)

// Limiter is a token bucket for a single entity: rate tokens refill over
// each window and at most rate can be saved up.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   int
	window time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		tokens: float64(rate),
		last:   time.Now(),
		rate:   rate,
		window: window,
	}
}

func (l *Limiter) refill(now time.Time) {
	l.tokens += float64(l.rate) * float64(now.Sub(l.last)) / float64(l.window)
	if l.tokens > float64(l.rate) {
		l.tokens = float64(l.rate)
	}
	l.last = now
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(time.Now())
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Wait blocks until a request is allowed or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill(time.Now())
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) * float64(l.window) / float64(l.rate))
		l.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// conn delays reads once the peer exceeds its budget. Messages are never
// dropped; a flooding peer is simply read more slowly.
type conn struct {
	transport.Conn
	l *Limiter
}

// Conn limits how fast messages are read from c.
func Conn(c transport.Conn, l *Limiter) transport.Conn {
	return &conn{Conn: c, l: l}
}

func (c *conn) Recv(ctx context.Context) (cojson.Message, error) {
	if err := c.l.Wait(ctx); err != nil {
		return cojson.Message{}, err
	}
	return c.Conn.Recv(ctx)
}
