package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/panupload/panupload/transport"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, 5, c.PoolSize)
	assert.Equal(t, 0, int(c.TotalSpeedLimit))
	assert.Equal(t, 1, c.MaxThreadsPerTask)
	assert.Equal(t, transport.Overwrite, c.OnDuplicate)
	assert.False(t, c.Encrypt)
	assert.True(t, c.EnableRapidUpload)
}

func TestValidateClampsOutOfRangeFields(t *testing.T) {
	c := Config{
		PoolSize:          -1,
		TotalSpeedLimit:   -100,
		MaxThreadsPerTask: 0,
		OnDuplicate:       transport.DuplicatePolicy("bogus"),
	}
	c.Validate()
	assert.Equal(t, 5, c.PoolSize)
	assert.Equal(t, 0, int(c.TotalSpeedLimit))
	assert.Equal(t, 1, c.MaxThreadsPerTask)
	assert.Equal(t, transport.Overwrite, c.OnDuplicate)
}

func TestValidateLeavesValidFieldsAlone(t *testing.T) {
	c := Config{
		PoolSize:          8,
		TotalSpeedLimit:   1 << 20,
		MaxThreadsPerTask: 2,
		OnDuplicate:       transport.NewCopy,
	}
	c.Validate()
	assert.Equal(t, 8, c.PoolSize)
	assert.Equal(t, int64(1<<20), int64(c.TotalSpeedLimit))
	assert.Equal(t, 2, c.MaxThreadsPerTask)
	assert.Equal(t, transport.NewCopy, c.OnDuplicate)
}
