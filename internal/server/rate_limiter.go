package server

import (
	"sync"
	"time"
)

// tokenBucket throttles inbound frames on one connection. It starts full
// and refills burst tokens every interval.
type tokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

func newTokenBucket(burst int, interval time.Duration) *tokenBucket {
	return newTokenBucketWithClock(burst, interval, time.Now)
}

func newTokenBucketWithClock(burst int, interval time.Duration, now func() time.Time) *tokenBucket {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &tokenBucket{
		tokens:    float64(burst),
		capacity:  float64(burst),
		rate:      float64(burst) / interval.Seconds(),
		lastCheck: now(),
		now:       now,
	}
}

// allow takes one token if available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
