package stats

import (
	"fmt"
	"time"
)

// Config defines configuration for the stats sampler
type Config struct {
	// How often the backlog and recent drift are sampled
	Interval time.Duration `toml:"interval"`

	// Number of most recent outcomes the drift summary covers
	RecentOutcomes int `toml:"recent_outcomes"`
}

// DefaultConfig returns default stats sampler configuration
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Second,
		RecentOutcomes: 100,
	}
}

// Validate checks the sampler configuration
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.RecentOutcomes <= 0 {
		return fmt.Errorf("recent_outcomes must be positive, got %d", c.RecentOutcomes)
	}
	return nil
}
