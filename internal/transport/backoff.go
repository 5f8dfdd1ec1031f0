package transport

import (
	"context"
	"time"
)

// Backoff is an exponential retry delay.
type Backoff struct {
	Min, Max time.Duration
}

// DefaultBackoff retries after 250ms, doubling up to 30s.
var DefaultBackoff = Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second}

// Delay returns the wait before retry attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Min
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Redial keeps one connection alive until ctx ends. Every new connection is
// passed to attach; once it closes, Redial dials again after a backoff
// delay. A connection that stayed up resets the delay.
func Redial(ctx context.Context, b Backoff, dial DialFunc, attach func(Conn)) {
	attempt := 0
	for {
		conn, err := dial(ctx)
		if err == nil {
			start := time.Now()
			attach(conn)
			select {
			case <-conn.Done():
			case <-ctx.Done():
				conn.Close()
				return
			}
			if time.Since(start) > b.Max {
				attempt = 0
			}
			logger.Infof("connection lost, redialing")
		} else {
			logger.Warningf("dial: %v", err)
		}

		select {
		case <-time.After(b.Delay(attempt)):
			attempt++
		case <-ctx.Done():
			return
		}
	}
}
