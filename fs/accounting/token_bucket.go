// Package accounting tracks upload throughput and enforces bandwidth limits
// using golang.org/x/time/rate, the way fs/accounting's rc-controlled
// TokenBucket limits whole-process transfer rate in the teacher repo.
package accounting

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const rateBurst = 4 * 1024 * 1024 // allow a whole slice through in one go

// TokenBucket is a per-task bandwidth limiter. A nil or zero limit means
// unlimited, matching the pool's "total_limit == 0 => no limit" contract.
type TokenBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewTokenBucket creates a TokenBucket capped at bytesPerSec; 0 is unlimited.
func NewTokenBucket(bytesPerSec int64) *TokenBucket {
	tb := &TokenBucket{}
	tb.SetLimit(bytesPerSec)
	return tb
}

// SetLimit changes the cap; 0 disables limiting.
func (tb *TokenBucket) SetLimit(bytesPerSec int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if bytesPerSec <= 0 {
		tb.limiter = nil
		return
	}
	tb.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), rateBurst)
}

// Limit returns the current cap in bytes/sec, or 0 if unlimited.
func (tb *TokenBucket) Limit() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.limiter == nil {
		return 0
	}
	return int64(tb.limiter.Limit())
}

// WaitN blocks until n bytes' worth of quota is available, or ctx is done.
func (tb *TokenBucket) WaitN(ctx context.Context, n int) error {
	tb.mu.Lock()
	limiter := tb.limiter
	tb.mu.Unlock()
	if limiter == nil || n <= 0 {
		return nil
	}
	// rate.Limiter rejects requests bigger than its burst; clamp to burst
	// and wait in slices rather than failing a whole 4 MiB window outright.
	for n > 0 {
		chunk := n
		if chunk > rateBurst {
			chunk = rateBurst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
