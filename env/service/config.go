package service

import (
	"time"

	"github.com/wricardo/mcp-training/envserver/env/session"
)

const (
	// DefaultCallTimeout bounds one simulator call or worker round trip.
	DefaultCallTimeout = 300 * time.Second
	// DefaultCloseTimeout bounds the shutdown of one session.
	DefaultCloseTimeout = 30 * time.Second

	shutdownParallelism = 8
)

// Config configures a Manager. Zero values take the defaults.
type Config struct {
	Allocator session.AllocatorConfig
	// DefaultKind is used by Create when no kind is given.
	DefaultKind  string
	CallTimeout  time.Duration
	CloseTimeout time.Duration
	// MaxIdle is the idle time after which Sweep closes a session. Zero
	// disables expiry.
	MaxIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	return c
}
