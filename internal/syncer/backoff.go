package syncer

import (
	"context"
	"math"
	"time"
)

// Backoff computes the wait before retry n (1-based). The delay is
// base*2^(n-1) plus up to JitterFraction of that, capped at Max. With a
// fraction in [0,1] the sequence never decreases.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64
	Rand           func() float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Rand != nil && b.JitterFraction > 0 {
		delay += delay * b.JitterFraction * b.Rand()
	}
	if delay >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
