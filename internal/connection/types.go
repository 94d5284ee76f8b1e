package connection

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrNoToken       = errors.New("auth token missing")
	ErrNoSession     = errors.New("session id missing")
	ErrStale         = errors.New("connection stale (no heartbeat)")
)

// TimestampedMessage wraps raw inbound bytes with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// commandEnvelope is the client-to-server command wire format.
type commandEnvelope struct {
	Type      string      `json:"type"`
	Data      commandData `json:"data"`
	Timestamp string      `json:"timestamp"`
}

type commandData struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// simpleEnvelope is the legacy simple-message wire format.
type simpleEnvelope struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// pingEnvelope is the application-level keepalive: {"type":"ping"}.
type pingEnvelope struct {
	Type string `json:"type"`
}

// HealthProber performs the dev-mode out-of-band health check. Probe
// failures are tolerated silently apart from a log line.
type HealthProber interface {
	Health(ctx context.Context) error
}

// ClientConfig configures the WebSocket adapter.
type ClientConfig struct {
	URL          string // e.g. wss://play.duskhollow.net/api/ws
	Token        string // bearer token, required
	SessionID    string // required before a WebSocket attempt starts
	CharacterID  string // optional, multi-character deployments
	PingInterval time.Duration
	StaleAfter   time.Duration // heartbeat staleness window
	WriteTimeout time.Duration
	BufferSize   int
	DevMode      bool         // enables the out-of-band health probe
	Prober       HealthProber // nil disables probing even in dev mode
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		StaleAfter:   60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// SSEConfig configures the legacy Server-Sent-Events adapter.
type SSEConfig struct {
	URL        string // e.g. https://play.duskhollow.net/api/events
	Token      string
	SessionID  string
	BufferSize int
}
