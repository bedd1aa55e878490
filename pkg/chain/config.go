package chain

import (
	"fmt"
	"time"
)

// EndpointConfig describes a single chain RPC endpoint.
type EndpointConfig struct {
	// ChainID is the numeric chain identifier the endpoint serves.
	ChainID uint64 `yaml:"chainId"`
	// URL is the RPC endpoint address.
	URL string `yaml:"url"`
}

type Config struct {
	// Endpoints lists one RPC endpoint per indexed chain.
	Endpoints []EndpointConfig `yaml:"endpoints"`
	// RequestTimeout bounds a single RPC call.
	RequestTimeout time.Duration `yaml:"requestTimeout" default:"15s"`
	// RetryMaxElapsed bounds the total time spent retrying a failed call.
	RetryMaxElapsed time.Duration `yaml:"retryMaxElapsed" default:"1m"`
	// RetryInitialInterval is the first backoff delay for a failed call.
	RetryInitialInterval time.Duration `yaml:"retryInitialInterval" default:"500ms"`
}

func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one chain endpoint is required")
	}

	seen := make(map[uint64]struct{}, len(c.Endpoints))

	for _, e := range c.Endpoints {
		if e.URL == "" {
			return fmt.Errorf("chain %d: endpoint url is required", e.ChainID)
		}

		if _, ok := seen[e.ChainID]; ok {
			return fmt.Errorf("chain %d: duplicate endpoint", e.ChainID)
		}

		seen[e.ChainID] = struct{}{}
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}

	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = time.Minute
	}

	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}

	return nil
}
