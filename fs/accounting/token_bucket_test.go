package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketUnlimitedByDefault(t *testing.T) {
	tb := NewTokenBucket(0)
	assert.Equal(t, int64(0), tb.Limit())
	err := tb.WaitN(context.Background(), 10<<20)
	assert.NoError(t, err)
}

func TestTokenBucketSetLimit(t *testing.T) {
	tb := NewTokenBucket(1 << 20)
	assert.Equal(t, int64(1<<20), tb.Limit())
	tb.SetLimit(0)
	assert.Equal(t, int64(0), tb.Limit())
	tb.SetLimit(-5)
	assert.Equal(t, int64(0), tb.Limit())
}

func TestTokenBucketWaitNRespectsContext(t *testing.T) {
	// 1 byte/sec: the initial burst covers rateBurst bytes, and the rest of
	// a larger request cannot be granted before the deadline.
	tb := NewTokenBucket(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tb.WaitN(ctx, rateBurst+1<<20)
	assert.Error(t, err)
}

func TestTokenBucketChunksAboveBurst(t *testing.T) {
	tb := NewTokenBucket(100 << 20) // generous enough that the call returns quickly
	err := tb.WaitN(context.Background(), rateBurst+1024)
	assert.NoError(t, err)
}
