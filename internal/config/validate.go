package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Server.WSURL == "" {
		return errors.New("server.ws_url is required")
	}
	if c.Auth.Token == "" {
		return errors.New("auth.token is required")
	}

	switch c.Connection.Transport {
	case "ws":
	case "sse":
		if c.Server.SSEURL == "" {
			return errors.New("server.sse_url is required when connection.transport is sse")
		}
	default:
		return fmt.Errorf("connection.transport must be ws or sse, got %q", c.Connection.Transport)
	}

	if c.Connection.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return errors.New("connection.connect_timeout must be positive")
	}
	if c.Connection.PingInterval <= 0 {
		return errors.New("connection.ping_interval must be positive")
	}
	if c.Connection.StaleAfter <= c.Connection.PingInterval {
		return errors.New("connection.stale_after must exceed connection.ping_interval")
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}

	if c.Journal.Enabled {
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
