package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskhollow/mudclient/internal/events"
	"github.com/duskhollow/mudclient/internal/fsm"
)

// gameServer is a scripted game server for orchestrator tests.
type gameServer struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	sessions []string
	refuse   bool

	inbound chan []byte
}

func newGameServer(t *testing.T) *gameServer {
	gs := &gameServer{t: t, inbound: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"bearer"},
	}

	gs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gs.mu.Lock()
		refuse := gs.refuse
		gs.mu.Unlock()
		if refuse {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gs.mu.Lock()
		gs.conns = append(gs.conns, conn)
		gs.sessions = append(gs.sessions, r.URL.Query().Get("session_id"))
		gs.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Keepalives are transport noise, not game traffic.
			if strings.Contains(string(msg), `"ping"`) {
				continue
			}
			gs.inbound <- msg
		}
	}))
	return gs
}

func (gs *gameServer) url() string {
	return "ws" + strings.TrimPrefix(gs.server.URL, "http")
}

func (gs *gameServer) connCount() int {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return len(gs.conns)
}

func (gs *gameServer) sessionFor(i int) string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if i >= len(gs.sessions) {
		return ""
	}
	return gs.sessions[i]
}

func (gs *gameServer) setRefuse(v bool) {
	gs.mu.Lock()
	gs.refuse = v
	gs.mu.Unlock()
}

// push sends a raw event on the most recent connection.
func (gs *gameServer) push(payload string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if len(gs.conns) == 0 {
		gs.t.Fatal("push with no connection")
	}
	conn := gs.conns[len(gs.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		gs.t.Logf("push failed: %v", err)
	}
}

// dropAll severs every live connection server-side.
func (gs *gameServer) dropAll() {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	for _, c := range gs.conns {
		c.Close()
	}
}

func (gs *gameServer) close() {
	gs.dropAll()
	gs.server.Close()
}

func gameEvent(eventType string, seq int64) string {
	return fmt.Sprintf(
		`{"event_type":%q,"timestamp":"2026-08-29T12:00:00Z","sequence_number":%d,"data":{"message":"ok"}}`,
		eventType, seq,
	)
}

type counters struct {
	events      atomic.Int64
	connects    atomic.Int64
	disconnects atomic.Int64
	errors      atomic.Int64
	sessions    atomic.Int64
}

func newTestManager(gs *gameServer, maxAttempts int, c *counters) *Manager {
	return NewManager(ManagerConfig{
		WSURL:                gs.url(),
		Token:                "tok-123",
		MaxReconnectAttempts: maxAttempts,
		ConnectTimeout:       5 * time.Second,
		PingInterval:         time.Minute,
		StaleAfter:           time.Minute,
	}, Callbacks{
		OnEvent:      func(events.Event) { c.events.Add(1) },
		OnConnect:    func() { c.connects.Add(1) },
		OnDisconnect: func() { c.disconnects.Add(1) },
		OnError:      func(string) { c.errors.Add(1) },
		OnSessionChange: func(string) {
			c.sessions.Add(1)
		},
	}, nil)
}

func TestManager_EndToEnd(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	m := newTestManager(gs, 5, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	// The orchestrator synthesized a session id before the attempt.
	if got := gs.sessionFor(0); !strings.HasPrefix(got, "session_") {
		t.Errorf("session_id sent to server = %q", got)
	}

	// One event, applied once; its duplicate is suppressed.
	gs.push(gameEvent("command_response", 1))
	waitFor(t, 2*time.Second, func() bool { return c.events.Load() == 1 })
	gs.push(gameEvent("command_response", 1))
	time.Sleep(200 * time.Millisecond)
	if got := c.events.Load(); got != 1 {
		t.Errorf("duplicate sequence applied: %d events", got)
	}

	if ev, ok := m.LastEvent(); !ok || ev.Sequence != 1 {
		t.Errorf("LastEvent = %+v ok=%v", ev, ok)
	}

	// Outbound command reaches the wire in the typed envelope.
	if !m.SendCommand("look", nil) {
		t.Fatal("SendCommand returned false while connected")
	}
	select {
	case msg := <-gs.inbound:
		var env struct {
			Type string `json:"type"`
			Data struct {
				Command string `json:"command"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil || env.Type != "game_command" || env.Data.Command != "look" {
			t.Errorf("command envelope = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never reached the server")
	}

	m.Disconnect()
	waitFor(t, 2*time.Second, func() bool { return m.Status().State == fsm.StateDisconnected })
	if got := c.disconnects.Load(); got != 1 {
		t.Errorf("disconnect notifications = %d, want exactly 1", got)
	}
}

func TestManager_SendCommandWhileDisconnected(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	m := newTestManager(gs, 5, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	if m.SendCommand("look", nil) {
		t.Error("SendCommand returned true while disconnected")
	}
	select {
	case msg := <-gs.inbound:
		t.Fatalf("disconnected send reached the wire: %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	m := newTestManager(gs, 5, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	m.Connect()
	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })
	time.Sleep(200 * time.Millisecond)

	if n := gs.connCount(); n != 1 {
		t.Errorf("expected one connection, server saw %d", n)
	}
	if got := c.connects.Load(); got != 1 {
		t.Errorf("connect notifications = %d", got)
	}
}

func TestManager_LossNotifiedExactlyOnce(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	// One allowed attempt: the loss goes straight to failed, passing
	// through several not-connected states on the way.
	m := newTestManager(gs, 1, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	gs.dropAll()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateFailed })
	time.Sleep(200 * time.Millisecond)

	if got := c.disconnects.Load(); got != 1 {
		t.Errorf("disconnect notifications = %d, want exactly 1", got)
	}
	if st := m.Status(); st.LastError == "" {
		t.Error("failed state carries no last error")
	}
}

func TestManager_ReconnectStartsNewEpoch(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	m := newTestManager(gs, 5, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	gs.push(gameEvent("command_response", 5))
	waitFor(t, 2*time.Second, func() bool { return c.events.Load() == 1 })

	// Server drops the connection; the client backs off and retries.
	gs.dropAll()
	waitFor(t, 10*time.Second, func() bool { return gs.connCount() >= 2 && m.Status().State == fsm.StateConnected })

	// The new epoch's sequence numbers restart; stale dedup state from
	// the previous epoch must not swallow them.
	gs.push(gameEvent("command_response", 1))
	waitFor(t, 2*time.Second, func() bool { return c.events.Load() == 2 })

	if got := c.connects.Load(); got != 2 {
		t.Errorf("connect notifications = %d, want 2", got)
	}
	if got := c.disconnects.Load(); got != 1 {
		t.Errorf("disconnect notifications = %d, want 1", got)
	}
}

func TestManager_SwitchSession(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	m := newTestManager(gs, 5, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	// Idempotent: switching to the current id does nothing.
	m.SwitchSession(m.SessionID())
	time.Sleep(200 * time.Millisecond)
	if got := c.sessions.Load(); got != 0 {
		t.Errorf("idempotent switch fired session callback %d times", got)
	}
	if n := gs.connCount(); n != 1 {
		t.Errorf("idempotent switch reconnected: %d conns", n)
	}

	m.SwitchSession("session_77_next")
	waitFor(t, 5*time.Second, func() bool {
		return gs.connCount() == 2 && m.Status().State == fsm.StateConnected
	})

	if got := gs.sessionFor(1); got != "session_77_next" {
		t.Errorf("second connection used session %q", got)
	}
	if got := c.sessions.Load(); got != 1 {
		t.Errorf("session change callbacks = %d, want 1", got)
	}
}

func TestManager_RetryFromFailed(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()
	gs.setRefuse(true)

	var c counters
	m := newTestManager(gs, 1, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateFailed })

	gs.setRefuse(false)
	m.Retry()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	if got := m.Status().ReconnectAttempts; got != 0 {
		t.Errorf("attempts after recovered retry = %d, want 0", got)
	}
}

func TestManager_HeartbeatRefreshesHealthOnly(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	var healthy atomic.Bool
	m := NewManager(ManagerConfig{
		WSURL:          gs.url(),
		Token:          "tok-123",
		ConnectTimeout: 5 * time.Second,
		PingInterval:   time.Minute,
		StaleAfter:     time.Minute,
	}, Callbacks{
		OnEvent:  func(events.Event) { c.events.Add(1) },
		OnHealth: func(h bool) { healthy.Store(h) },
	}, nil)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	gs.push(gameEvent("heartbeat", 1))
	waitFor(t, 2*time.Second, func() bool { return healthy.Load() })

	// Heartbeats are liveness signals, not game events.
	if got := c.events.Load(); got != 0 {
		t.Errorf("heartbeat forwarded to subscriber: %d events", got)
	}
}

func TestManager_RegistryDrainedAcrossReconnects(t *testing.T) {
	gs := newGameServer(t)
	defer gs.close()

	var c counters
	m := newTestManager(gs, 5, &c)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Connect()
	waitFor(t, 5*time.Second, func() bool { return m.Status().State == fsm.StateConnected })

	gs.dropAll()
	waitFor(t, 10*time.Second, func() bool {
		return gs.connCount() >= 2 && m.Status().State == fsm.StateConnected
	})
	time.Sleep(200 * time.Millisecond)

	// Each epoch registers one socket and one ticker; the previous
	// epoch's entries must be released on teardown, not accumulated.
	if got := m.registry.Len(); got > 2 {
		t.Errorf("registry holds %d releases after reconnect, want at most 2", got)
	}
}
