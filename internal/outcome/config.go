package outcome

import (
	"fmt"
	"time"
)

// Config defines buffering for outcome writes
type Config struct {
	// Capacity of the hand-off between executors and the writer
	ChannelSize int `toml:"channel_size"`

	// How long Report may wait for channel space before dropping
	SendTimeout time.Duration `toml:"send_timeout"`

	// Flushing - size OR time triggers a write
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns outcome recorder defaults
func DefaultConfig() Config {
	return Config{
		ChannelSize:    1000,
		SendTimeout:    50 * time.Millisecond,
		FlushThreshold: 100,
		FlushInterval:  time.Second,
	}
}

// Validate checks the recorder configuration
func (c Config) Validate() error {
	if c.ChannelSize <= 0 {
		return fmt.Errorf("channel_size must be positive, got %d", c.ChannelSize)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %v", c.SendTimeout)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("flush_threshold must be positive, got %d", c.FlushThreshold)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", c.FlushInterval)
	}
	return nil
}
