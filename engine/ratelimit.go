package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter builds a token-bucket limiter admitting segments at an
// average of maxBitsPerSec, refilling with the granularity given by
// precisionMicros. A zero maxBitsPerSec disables the limiter (nil return):
// callers must treat a nil *rate.Limiter as "always admit".
func newRateLimiter(maxBitsPerSec uint64, precisionMicros uint64) *rate.Limiter {
	if maxBitsPerSec == 0 {
		return nil
	}
	if precisionMicros == 0 {
		precisionMicros = 1000
	}
	// Convert a bits/sec budget into a bytes-per-tick token rate, one tick
	// every precisionMicros microseconds, and size the burst to one tick's
	// worth so the limiter does not hold back a single small segment.
	bytesPerSec := float64(maxBitsPerSec) / 8
	ticksPerSec := float64(time.Second) / float64(precisionMicros*uint64(time.Microsecond))
	bytesPerTick := bytesPerSec / ticksPerSec
	burst := int(bytesPerTick)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// admit blocks (respecting ctx) until n bytes' worth of budget is available,
// waiting in burst-sized steps when n exceeds the limiter's burst. A nil
// limiter always admits immediately.
func admit(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	for burst := l.Burst(); n > burst; n -= burst {
		if err := l.WaitN(ctx, burst); err != nil {
			return err
		}
	}
	return l.WaitN(ctx, n)
}
