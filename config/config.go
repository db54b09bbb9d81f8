// Package config defines the engine's configuration surface (spec.md §6),
// using the struct-tag convention backend/mailru's Options uses to name
// each field's on-the-wire option key.
package config

import (
	"github.com/panupload/panupload/fs"
	"github.com/panupload/panupload/transport"
)

// Config is the recognized option set. Zero value is not valid on its own;
// use New to get the documented defaults.
type Config struct {
	PoolSize           int                       `config:"pool_size"`
	TotalSpeedLimit    fs.SizeSuffix             `config:"total_speed_limit_bps"`
	MaxThreadsPerTask  int                       `config:"max_threads_per_task"`
	OnDuplicate        transport.DuplicatePolicy `config:"on_duplicate"`
	Encrypt            bool                      `config:"encrypt"`
	EnableRapidUpload  bool                      `config:"enable_rapid_upload"`
}

// New returns a Config populated with spec.md §6's documented defaults.
func New() Config {
	return Config{
		PoolSize:          5,
		TotalSpeedLimit:   0,
		MaxThreadsPerTask: 1,
		OnDuplicate:       transport.Overwrite,
		Encrypt:           false,
		EnableRapidUpload: true,
	}
}

// Validate normalizes out-of-range values the way fs.SizeSuffix.Set
// rejects a malformed string - invalid here is clamped, not rejected,
// since every field has an obvious floor.
func (c *Config) Validate() {
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	if c.TotalSpeedLimit < 0 {
		c.TotalSpeedLimit = 0
	}
	if c.MaxThreadsPerTask <= 0 {
		c.MaxThreadsPerTask = 1
	}
	switch c.OnDuplicate {
	case transport.Overwrite, transport.NewCopy, transport.Skip:
	default:
		c.OnDuplicate = transport.Overwrite
	}
}
