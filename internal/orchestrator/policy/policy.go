// Package policy defines configurable policy parameters for orchestrator behavior.
// This centralizes magic numbers and threshold values that were previously scattered
// across implementation files, enabling configuration and testing.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
// These values control dispatch pacing, worker limits, and data retention.
type Config struct {
	// Worker pool policies
	Workers WorkerPolicy

	// Loop policies
	Loop LoopPolicy

	// Stale-data cleanup policies
	Cleanup CleanupPolicy
}

// WorkerPolicy controls the worker pool.
type WorkerPolicy struct {
	// Max is the maximum number of concurrently running worker processes.
	Max int

	// MaxAttempts is how many times an objective is dispatched before an
	// interrupted run marks it failed instead of requeueing it.
	MaxAttempts int
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// PollInterval is the delay between dispatch checks when no completions arrive.
	PollInterval time.Duration

	// SpawnStagger is the delay between spawning parallel workers to avoid
	// thundering-herd API traffic.
	SpawnStagger time.Duration
}

// CleanupPolicy controls periodic purging of terminal sessions.
type CleanupPolicy struct {
	// Enabled toggles the cleanup loop.
	Enabled bool

	// Interval is the purge cadence.
	Interval time.Duration

	// Retention is how long terminal sessions are kept before purging.
	Retention time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Workers: WorkerPolicy{
			Max:         3,
			MaxAttempts: 3,
		},
		Loop: LoopPolicy{
			PollInterval: time.Second,
			SpawnStagger: 500 * time.Millisecond,
		},
		Cleanup: CleanupPolicy{
			Enabled:   true,
			Interval:  time.Hour,
			Retention: 168 * time.Hour,
		},
	}
}

// Validate checks that policy values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Workers.Max < 1 {
		c.Workers.Max = 3
	}
	if c.Workers.MaxAttempts < 1 {
		c.Workers.MaxAttempts = 3
	}
	if c.Loop.PollInterval < 10*time.Millisecond {
		c.Loop.PollInterval = time.Second
	}
	if c.Loop.SpawnStagger < 0 {
		c.Loop.SpawnStagger = 500 * time.Millisecond
	}
	if c.Cleanup.Interval < time.Minute {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.Retention < time.Hour {
		c.Cleanup.Retention = 168 * time.Hour
	}
	return nil
}
