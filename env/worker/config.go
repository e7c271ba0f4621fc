package worker

import "time"

const (
	// DefaultCallTimeout bounds one command/response round trip.
	DefaultCallTimeout = 300 * time.Second
	// DefaultAckTimeout bounds the wait for the close acknowledgement.
	DefaultAckTimeout = 10 * time.Second
	// DefaultDrainTimeout is how long the drain waits for another residual line.
	DefaultDrainTimeout = 5 * time.Second
	// DefaultGracePeriod is the wait between SIGTERM and SIGKILL.
	DefaultGracePeriod = 10 * time.Second
	// DefaultKillWait bounds the wait for the process to disappear after SIGKILL.
	DefaultKillWait = 5 * time.Second

	// maxLineBytes bounds a single protocol line. Page trees can be large.
	maxLineBytes = 8 * 1024 * 1024

	// stderrTailLimit bounds the stderr kept for diagnostics.
	stderrTailLimit = 64 * 1024

	inboxSize = 16
)

// Config holds the channel timeouts. Zero values take the defaults.
type Config struct {
	CallTimeout  time.Duration
	AckTimeout   time.Duration
	DrainTimeout time.Duration
	GracePeriod  time.Duration
	KillWait     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.KillWait <= 0 {
		c.KillWait = DefaultKillWait
	}
	return c
}
