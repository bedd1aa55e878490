package indexer

import (
	"fmt"
	"strings"
	"time"
)

// Pair identifies a (chain, contract) pair to index.
type Pair struct {
	ChainID    uint64 `yaml:"chainId"`
	Contract   string `yaml:"contract"`
	StartBlock uint64 `yaml:"startBlock"`
}

// LeaderElectionConfig controls the redis-backed leader election that gates
// the coordinator and detector loops.
type LeaderElectionConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	TTL             time.Duration `yaml:"ttl" default:"10s"`
	RenewalInterval time.Duration `yaml:"renewalInterval" default:"3s"`
	NodeID          string        `yaml:"nodeId"`
}

// ChunkConfig bounds the adaptive chunk size.
type ChunkConfig struct {
	Min     uint64 `yaml:"min" default:"100"`
	Max     uint64 `yaml:"max" default:"10000"`
	Initial uint64 `yaml:"initial" default:"1000"`
}

// Config holds configuration for the indexer manager.
type Config struct {
	// Interval is the coordinator scan interval.
	Interval time.Duration `yaml:"interval" default:"12s"`

	// DetectorInterval is the reorg detector scan interval.
	DetectorInterval time.Duration `yaml:"detectorInterval" default:"2m"`

	// Concurrency is the asynq worker pool size.
	Concurrency int `yaml:"concurrency" default:"10"`

	// CatchupThreshold is the head gap above which a pair enters catch-up.
	CatchupThreshold uint64 `yaml:"catchupThreshold" default:"1000"`

	Chunk ChunkConfig `yaml:"chunk"`

	// SlowRangeThreshold separates fast from slow range completions when
	// feeding the chunk size manager.
	SlowRangeThreshold time.Duration `yaml:"slowRangeThreshold" default:"10s"`

	// MaxReorgDepth bounds the backward walk for a canonical ancestor.
	MaxReorgDepth uint64 `yaml:"maxReorgDepth" default:"64"`

	// MaxRetry bounds asynq retries per task.
	MaxRetry int `yaml:"maxRetry" default:"10"`

	// TaskTimeout bounds the processing time of a single task.
	TaskTimeout time.Duration `yaml:"taskTimeout" default:"5m"`

	// RateLimitCooldown is the flat retry delay applied when a task failed
	// because the chain provider rate-limited us.
	RateLimitCooldown time.Duration `yaml:"rateLimitCooldown" default:"30s"`

	LeaderElection LeaderElectionConfig `yaml:"leaderElection"`

	// Pairs lists the (chain, contract) pairs to index.
	Pairs []Pair `yaml:"pairs"`
}

func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	if c.DetectorInterval <= 0 {
		c.DetectorInterval = DefaultDetectorInterval
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}

	if c.CatchupThreshold == 0 {
		c.CatchupThreshold = DefaultCatchupThreshold
	}

	if c.Chunk.Min == 0 {
		c.Chunk.Min = DefaultMinChunkSize
	}

	if c.Chunk.Max == 0 {
		c.Chunk.Max = DefaultMaxChunkSize
	}

	if c.Chunk.Initial == 0 {
		c.Chunk.Initial = DefaultInitialChunkSize
	}

	if c.Chunk.Min > c.Chunk.Max {
		return fmt.Errorf("chunk.min (%d) exceeds chunk.max (%d)", c.Chunk.Min, c.Chunk.Max)
	}

	if c.Chunk.Initial < c.Chunk.Min || c.Chunk.Initial > c.Chunk.Max {
		return fmt.Errorf("chunk.initial (%d) outside [%d, %d]", c.Chunk.Initial, c.Chunk.Min, c.Chunk.Max)
	}

	if c.SlowRangeThreshold <= 0 {
		c.SlowRangeThreshold = DefaultSlowRangeThreshold
	}

	if c.MaxReorgDepth == 0 {
		c.MaxReorgDepth = DefaultMaxReorgDepth
	}

	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}

	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}

	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = DefaultRateLimitCooldown
	}

	if c.LeaderElection.TTL <= 0 {
		c.LeaderElection.TTL = 10 * time.Second
	}

	if c.LeaderElection.RenewalInterval <= 0 {
		c.LeaderElection.RenewalInterval = 3 * time.Second
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}

	seen := make(map[string]struct{}, len(c.Pairs))

	for i := range c.Pairs {
		pair := &c.Pairs[i]

		if pair.ChainID == 0 {
			return fmt.Errorf("pair %d: chainId is required", i)
		}

		if pair.Contract == "" {
			return fmt.Errorf("pair %d: contract is required", i)
		}

		pair.Contract = strings.ToLower(pair.Contract)

		key := fmt.Sprintf("%d:%s", pair.ChainID, pair.Contract)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate pair %s", key)
		}

		seen[key] = struct{}{}
	}

	return nil
}
