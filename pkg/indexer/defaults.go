package indexer

import "time"

const (
	// DefaultInterval is the coordinator scan interval.
	DefaultInterval = 12 * time.Second

	// DefaultDetectorInterval is the reorg detector scan interval.
	DefaultDetectorInterval = 2 * time.Minute

	// DefaultConcurrency is the asynq worker pool size.
	DefaultConcurrency = 10

	// DefaultCatchupThreshold is the head gap above which the coordinator
	// switches a pair into catch-up mode.
	DefaultCatchupThreshold = 1000

	// DefaultMinChunkSize is the lower bound for adaptive chunk sizing.
	DefaultMinChunkSize = 100

	// DefaultMaxChunkSize is the upper bound for adaptive chunk sizing.
	DefaultMaxChunkSize = 10000

	// DefaultInitialChunkSize seeds the chunk size for new pairs.
	DefaultInitialChunkSize = 1000

	// DefaultSlowRangeThreshold separates fast from slow range completions.
	DefaultSlowRangeThreshold = 10 * time.Second

	// DefaultMaxReorgDepth bounds the backward walk when searching for a
	// canonical ancestor. Pairs that diverge deeper than this are halted.
	DefaultMaxReorgDepth = 64

	// DefaultMaxRetry bounds asynq retries for transient task failures.
	DefaultMaxRetry = 10

	// DefaultTaskTimeout bounds the processing time of a single task.
	DefaultTaskTimeout = 5 * time.Minute

	// DefaultRateLimitCooldown is the flat retry delay for rate-limited tasks.
	DefaultRateLimitCooldown = 30 * time.Second

	// DefaultAnchorRetention is how many blocks below the cursor anchors are
	// kept before pruning. Must exceed DefaultMaxReorgDepth.
	DefaultAnchorRetention = 256
)
