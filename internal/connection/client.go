package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the WebSocket transport adapter: it owns exactly one
// underlying socket at a time and translates transport events into
// message and error channels consumed by the Manager.
type Client struct {
	cfg      ClientConfig
	logger   *slog.Logger
	registry *Registry

	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu            sync.RWMutex
	connected     bool
	connecting    bool
	everConnected bool
	closed        bool
	lastError     string
	lastHeartbeat time.Time
}

// NewClient creates a WebSocket adapter. The registry receives every
// timer and socket the adapter acquires; pass nil to manage release
// manually through Close.
func NewClient(cfg ClientConfig, registry *Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("transport", "websocket"),
		registry: registry,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the game server. It is idempotent: a second call while
// open or connecting is a no-op. A missing token or session id logs
// and returns without creating a transport object.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	if c.cfg.Token == "" {
		c.mu.Unlock()
		c.logger.Warn("connect skipped: no auth token")
		return ErrNoToken
	}
	if c.cfg.SessionID == "" {
		c.mu.Unlock()
		c.logger.Warn("connect skipped: no session id")
		return ErrNoSession
	}
	c.connecting = true
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// The server authenticates via protocol header values.
		Subprotocols: []string{"bearer", c.cfg.Token},
	}

	conn, _, err := dialer.DialContext(ctx, c.dialURL(), nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.lastError = errorString(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		// Close landed while the dial was in flight. The fresh socket
		// must not outlive the adapter; release it instead of adopting.
		c.connecting = false
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.everConnected = true
	c.lastError = ""
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	c.registry.Add(func() { conn.Close() })

	conn.SetPongHandler(func(string) error {
		c.RefreshHeartbeat()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", "session_id", c.cfg.SessionID)
	return nil
}

// dialURL appends session identity to the configured endpoint.
func (c *Client) dialURL() string {
	q := url.Values{}
	q.Set("session_id", c.cfg.SessionID)
	if c.cfg.CharacterID != "" {
		q.Set("character_id", c.cfg.CharacterID)
	}
	sep := "?"
	if u, err := url.Parse(c.cfg.URL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return c.cfg.URL + sep + q.Encode()
}

// Close tears down the socket and its timers. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}
	return nil
}

// SendMessage sanitizes and transmits a chat/command line in the
// legacy simple-message envelope. Policy rejections (not connected,
// oversized, near-empty after sanitization) are silent no-ops
// reported as false; SendMessage never panics.
func (c *Client) SendMessage(text string) bool {
	clean, ok := sanitizeForSend(text)
	if !ok {
		return false
	}
	env := simpleEnvelope{
		Message:   clean,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return c.sendJSON(env)
}

// SendCommand sanitizes the command and each argument independently
// and transmits the typed game_command envelope.
func (c *Client) SendCommand(command string, args []string) bool {
	clean, ok := sanitizeForSend(command)
	if !ok {
		return false
	}
	cleanArgs := make([]string, 0, len(args))
	for _, a := range args {
		if s := sanitizeArg(a); s != "" {
			cleanArgs = append(cleanArgs, s)
		}
	}
	env := commandEnvelope{
		Type:      "game_command",
		Data:      commandData{Command: clean, Args: cleanArgs},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return c.sendJSON(env)
}

// sendJSON marshals and writes one envelope, serializing writers.
func (c *Client) sendJSON(v any) bool {
	c.mu.RLock()
	conn := c.conn
	open := c.connected
	c.mu.RUnlock()
	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("marshal outbound message", "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", "error", err)
		return false
	}
	return true
}

// Messages returns the inbound message channel.
func (c *Client) Messages() <-chan TimestampedMessage {
	return c.messages
}

// Errors returns the connection error channel.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// Done is closed when the adapter is torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsConnected reports whether the socket is currently open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// EverConnected reports whether the adapter ever reached an open
// state. Disconnect callbacks must not fire for a transport that was
// closed before ever opening.
func (c *Client) EverConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.everConnected
}

// LastError returns the stored failure reason, if any.
func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// RefreshHeartbeat marks the connection healthy. Called for pongs and
// for inbound heartbeat events.
func (c *Client) RefreshHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

// Healthy reports whether a heartbeat was seen inside the staleness
// window.
func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && time.Since(c.lastHeartbeat) <= c.cfg.StaleAfter
}

// readLoop pumps inbound frames into the messages channel until the
// socket closes.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close are expected teardown noise.
			select {
			case <-c.done:
				return
			default:
				c.mu.Lock()
				c.lastError = errorString(err)
				c.mu.Unlock()
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message")
		}
	}
}

// heartbeatLoop sends the application ping every PingInterval, runs
// the dev-mode health probe on the same cadence, and flags the
// connection stale when no heartbeat arrives inside StaleAfter.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	c.registry.Add(ticker.Stop)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.sendJSON(pingEnvelope{Type: "ping"}) {
				c.logger.Debug("ping not sent")
			}

			if c.cfg.DevMode && c.cfg.Prober != nil {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PingInterval)
					defer cancel()
					if err := c.cfg.Prober.Health(ctx); err != nil {
						c.logger.Debug("health probe failed", "error", err)
					}
				}()
			}

			c.mu.RLock()
			last := c.lastHeartbeat
			c.mu.RUnlock()
			if time.Since(last) > c.cfg.StaleAfter {
				c.logger.Warn("no heartbeat inside staleness window",
					"last_heartbeat", last,
					"window", c.cfg.StaleAfter,
				)
				c.mu.Lock()
				c.lastError = ErrStale.Error()
				c.mu.Unlock()
				select {
				case c.errors <- ErrStale:
				default:
				}
				return
			}
		}
	}
}

// errorString converts a transport error to the stored form, falling
// back to a literal when the error carries no message.
func errorString(err error) string {
	if err == nil || err.Error() == "" {
		return "Unknown WebSocket error"
	}
	return err.Error()
}
