package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultTransport            = "ws"
	DefaultMaxReconnectAttempts = 5
	DefaultConnectTimeout       = 30 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultStaleAfter           = 60 * time.Second
	DefaultBufferSize           = 1000
	DefaultRoom                 = "The Void"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 1 * time.Second
	DefaultJournalBuffer        = 10000
)

func (c *ClientConfig) applyDefaults() {
	if c.Player.DefaultRoom == "" {
		c.Player.DefaultRoom = DefaultRoom
	}

	// Connection defaults
	if c.Connection.Transport == "" {
		c.Connection.Transport = DefaultTransport
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.StaleAfter == 0 {
		c.Connection.StaleAfter = DefaultStaleAfter
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}
	applyDBDefaults(&c.Journal.Database)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
