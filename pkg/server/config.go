package server

import (
	"fmt"
	"time"

	"github.com/tokenwatch/indexer/pkg/chain"
	"github.com/tokenwatch/indexer/pkg/indexer"
	"github.com/tokenwatch/indexer/pkg/redis"
	"github.com/tokenwatch/indexer/pkg/storage"
)

type Config struct {
	// MetricsAddr is the address to listen on for metrics.
	MetricsAddr string `yaml:"metricsAddr" default:":9090"`
	// HealthCheckAddr is the address to listen on for healthcheck.
	HealthCheckAddr *string `yaml:"healthCheckAddr"`
	// PProfAddr is the address to listen on for pprof.
	PProfAddr *string `yaml:"pprofAddr"`
	// LoggingLevel is the logging level to use.
	LoggingLevel string `yaml:"logging" default:"info"`
	// Redis is the redis configuration.
	Redis *redis.Config `yaml:"redis"`
	// Storage is the persistence configuration.
	Storage storage.Config `yaml:"storage"`
	// Chain is the chain endpoint configuration.
	Chain chain.Config `yaml:"chain"`
	// Indexer is the indexer configuration.
	Indexer indexer.Config `yaml:"indexer"`
	// ShutdownTimeout is the timeout for shutting down the server.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

func (c *Config) Validate() error {
	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}

	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("invalid chain configuration: %w", err)
	}

	if err := c.Indexer.Validate(); err != nil {
		return fmt.Errorf("invalid indexer configuration: %w", err)
	}

	return nil
}
