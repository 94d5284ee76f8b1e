package connection

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SSEClient is the legacy Server-Sent-Events adapter. It is
// receive-only: outbound traffic still rides the WebSocket. Kept for
// deployments that have not moved to the WebSocket-only path.
type SSEClient struct {
	cfg      SSEConfig
	logger   *slog.Logger
	registry *Registry

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// onSessionAssigned fires when the server supplies a session id
	// in the event stream.
	onSessionAssigned func(id string)

	mu            sync.RWMutex
	body          interface{ Close() error }
	connected     bool
	connecting    bool
	everConnected bool
	closed        bool
	lastError     string
}

// NewSSEClient creates the legacy adapter.
func NewSSEClient(cfg SSEConfig, registry *Registry, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &SSEClient{
		cfg:      cfg,
		logger:   logger.With("transport", "sse"),
		registry: registry,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// OnSessionAssigned registers the server-assigned-session callback.
func (c *SSEClient) OnSessionAssigned(fn func(id string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSessionAssigned = fn
}

// Connect opens the event stream. Idempotent while open or connecting;
// requires a non-empty auth token.
func (c *SSEClient) Connect(ctx context.Context) error {
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
	c.connecting = true
	c.mu.Unlock()

	q := url.Values{}
	q.Set("token", c.cfg.Token)
	if c.cfg.SessionID != "" {
		q.Set("session_id", c.cfg.SessionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return c.failConnect(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// No overall timeout: the response body is a long-lived stream.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return c.failConnect(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return c.failConnect(fmt.Errorf("event stream status %d", resp.StatusCode))
	}

	c.mu.Lock()
	if c.closed {
		// Close landed while the request was in flight; release the
		// stream instead of adopting it.
		c.connecting = false
		c.mu.Unlock()
		resp.Body.Close()
		return ErrAlreadyClosed
	}
	c.body = resp.Body
	c.connected = true
	c.connecting = false
	c.everConnected = true
	c.lastError = ""
	c.mu.Unlock()

	c.registry.Add(func() { resp.Body.Close() })

	go c.readLoop(resp.Body)

	c.logger.Debug("event stream connected")
	return nil
}

func (c *SSEClient) failConnect(err error) error {
	c.mu.Lock()
	c.connecting = false
	c.lastError = errorString(err)
	c.mu.Unlock()
	return err
}

// Close tears down the stream. Safe to call repeatedly.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	body := c.body
	c.mu.Unlock()

	close(c.done)
	if body != nil {
		return body.Close()
	}
	return nil
}

// Messages returns the inbound message channel.
func (c *SSEClient) Messages() <-chan TimestampedMessage {
	return c.messages
}

// Errors returns the connection error channel.
func (c *SSEClient) Errors() <-chan error {
	return c.errors
}

// Done is closed when the adapter is torn down.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// IsConnected reports whether the stream is currently open.
func (c *SSEClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// EverConnected reports whether the stream ever opened.
func (c *SSEClient) EverConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.everConnected
}

// readLoop parses the text/event-stream framing: `event:` and `data:`
// fields accumulated until a blank line dispatches the event.
func (c *SSEClient) readLoop(body interface{ Read([]byte) (int, error) }) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			c.dispatch(eventName, data.String())
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// Comment lines (":") and id fields are ignored.
	}

	if err := scanner.Err(); err != nil {
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

	// EOF: server closed the stream.
	select {
	case <-c.done:
	default:
		select {
		case c.errors <- fmt.Errorf("event stream closed by server"):
		default:
		}
	}
}

// dispatch forwards one complete server-sent event.
func (c *SSEClient) dispatch(eventName, data string) {
	if data == "" {
		return
	}

	if eventName == "session" {
		c.mu.RLock()
		fn := c.onSessionAssigned
		c.mu.RUnlock()
		if fn != nil {
			fn(strings.TrimSpace(data))
		}
		return
	}

	select {
	case c.messages <- TimestampedMessage{Data: []byte(data), ReceivedAt: time.Now()}:
	case <-c.done:
	default:
		c.logger.Warn("message buffer full, dropping event")
	}
}
