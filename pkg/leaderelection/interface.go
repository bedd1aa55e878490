package leaderelection

import (
	"context"
	"time"
)

// LeadershipCallback is invoked when leadership status changes. Callbacks run
// synchronously on the election loop and should return quickly; long-running
// work belongs in a separate goroutine.
type LeadershipCallback func(ctx context.Context, isLeader bool)

// Elector defines the interface for leader election implementations.
type Elector interface {
	// Start begins the leader election process
	Start(ctx context.Context) error

	// Stop gracefully stops the leader election, releasing leadership if held
	Stop(ctx context.Context) error

	// IsLeader returns true if this node is currently the leader
	IsLeader() bool

	// OnLeadershipChange registers a callback for leadership notification.
	// Multiple callbacks can be registered and run in registration order.
	OnLeadershipChange(callback LeadershipCallback)

	// GetLeaderID returns the current leader's ID
	GetLeaderID() (string, error)
}

// Config holds configuration for leader election.
type Config struct {
	// TTL is the time-to-live for the leader lock
	TTL time.Duration `yaml:"ttl"`

	// RenewalInterval is how often to renew the leader lock
	RenewalInterval time.Duration `yaml:"renewalInterval"`

	// NodeID is the unique identifier for this node.
	// If empty, a random ID will be generated.
	NodeID string `yaml:"nodeId"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		TTL:             10 * time.Second,
		RenewalInterval: 3 * time.Second,
	}
}
