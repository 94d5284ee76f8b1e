package config

import "time"

// ClientConfig is the root configuration for a client instance.
type ClientConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Session    SessionConfig    `yaml:"session"`
	Player     PlayerConfig     `yaml:"player"`
	Connection ConnectionConfig `yaml:"connection"`
	Journal    JournalConfig    `yaml:"journal"`
}

// ServerConfig holds the game server endpoints.
type ServerConfig struct {
	WSURL   string `yaml:"ws_url"`
	SSEURL  string `yaml:"sse_url"`
	RestURL string `yaml:"rest_url"`
}

// AuthConfig holds the bearer token used by every transport.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// SessionConfig pre-assigns a session identity. When ID is empty the
// client generates one on the first connect.
type SessionConfig struct {
	ID          string `yaml:"id"`
	CharacterID string `yaml:"character_id"`
}

// PlayerConfig identifies the local player for state scoping.
type PlayerConfig struct {
	ID          string `yaml:"id"`
	DefaultRoom string `yaml:"default_room"`
}

// ConnectionConfig holds transport and reconnect settings.
type ConnectionConfig struct {
	Transport            string        `yaml:"transport"` // "ws" (default) or "sse"
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	BufferSize           int           `yaml:"buffer_size"`
	DevMode              bool          `yaml:"dev_mode"`
}

// JournalConfig holds event journal settings. The journal is optional;
// when disabled the database section is ignored.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
