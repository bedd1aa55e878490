package storage

import (
	"fmt"
	"time"
)

type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"maxOpenConns" default:"16"`
	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `yaml:"maxIdleConns" default:"4"`
	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" default:"30m"`
}

func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("storage dsn is required")
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 16
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 4
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}

	return nil
}
