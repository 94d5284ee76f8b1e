package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duskhollow/mudclient/internal/events"
	"github.com/duskhollow/mudclient/internal/fsm"
	"github.com/duskhollow/mudclient/internal/session"
)

// TransportWS selects the WebSocket-only path; TransportSSE selects
// the legacy dual path where SSE carries inbound events first and the
// WebSocket is attached for outbound commands.
const (
	TransportWS  = "ws"
	TransportSSE = "sse"
)

// ManagerConfig configures the connection orchestrator.
type ManagerConfig struct {
	WSURL       string
	SSEURL      string
	Token       string
	CharacterID string
	Transport   string // TransportWS (default) or TransportSSE

	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	StaleAfter           time.Duration
	BufferSize           int

	DevMode bool
	Prober  HealthProber
}

// Callbacks is the entire contract exposed to the presentation layer.
// Every field is optional.
type Callbacks struct {
	OnEvent         func(ev events.Event)
	OnConnect       func()
	OnDisconnect    func() // all connections lost; fires exactly once per loss
	OnError         func(reason string)
	OnSessionChange func(id string)
	OnHealth        func(healthy bool)
}

// Status is the user-visible connection summary: a small enum plus a
// human-readable error, never a stack trace.
type Status struct {
	State             fsm.State
	SessionID         string
	LastError         string
	ReconnectAttempts int
	Healthy           bool
}

// Manager composes the session identity, the state machine, and the
// transport adapters into one connection object. All lifecycle events
// funnel through a single loop goroutine: transitions only update
// state, and the loop reacts to the machine's returned effects, so no
// two code paths ever race to start the same transport.
type Manager struct {
	cfg      ManagerConfig
	logger   *slog.Logger
	cb       Callbacks
	sessions *session.Manager
	machine  *fsm.Machine
	dedup    *events.Deduper
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loop   chan fsm.Event

	mu             sync.Mutex
	client         *Client
	sse            *SSEClient
	timer          *time.Timer
	wasConnected   bool
	pendingConnect bool
	lastEvent      *events.Event
}

// NewManager creates the orchestrator. Callbacks may be zero-valued.
func NewManager(cfg ManagerConfig, cb Callbacks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportWS
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "connection"),
		cb:       cb,
		sessions: session.NewManager(),
		dedup:    events.NewDeduper(),
		registry: NewRegistry(),
		loop:     make(chan fsm.Event, 64),
	}
	m.machine = fsm.New(fsm.Config{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ConnectTimeout:       cfg.ConnectTimeout,
		DualTransport:        cfg.Transport == TransportSSE,
	})

	m.sessions.OnChange(m.sessionChanged)
	return m
}

// Start launches the event loop. It does not connect; call Connect,
// or pre-assign a session with SwitchSession first.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
}

// Stop tears everything down: transports, timers, loop. Each release
// path is guaranteed through the resource registry.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing release")
	}

	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.registry.ReleaseAll()
}

// Connect requests connection establishment. Idempotent: a no-op when
// already connected or an attempt is in flight.
func (m *Manager) Connect() {
	switch m.machine.State() {
	case fsm.StateDisconnected:
	default:
		return
	}
	// A session id must exist before a WebSocket attempt starts;
	// Current synthesizes one when none is assigned yet.
	m.sessions.Current()
	m.post(fsm.Event{Type: fsm.EventConnect})
}

// Disconnect tears down all transports and lands in disconnected.
func (m *Manager) Disconnect() {
	m.post(fsm.Event{Type: fsm.EventDisconnect})
}

// Retry re-enters the connecting path from the failed state.
func (m *Manager) Retry() {
	m.post(fsm.Event{Type: fsm.EventRetry})
}

// Reset clears all connection context and returns to disconnected.
func (m *Manager) Reset() {
	m.post(fsm.Event{Type: fsm.EventReset})
}

// SessionID returns the current session id, generating one lazily.
func (m *Manager) SessionID() string {
	return m.sessions.Current()
}

// SwitchSession disconnects, resets, adopts the new id, and re-arms
// auto-connect. The reconnection is deferred until the session-change
// callback confirms adoption, so the client never connects with a
// half-updated identity. Switching to the current id is a no-op.
func (m *Manager) SwitchSession(id string) {
	if id == "" || id == m.sessions.Current() {
		return
	}

	m.mu.Lock()
	m.pendingConnect = true
	m.mu.Unlock()

	m.post(fsm.Event{Type: fsm.EventDisconnect})
	m.sessions.SwitchTo(id)
}

// sessionChanged runs for every real session-identity change.
func (m *Manager) sessionChanged(id string) {
	if m.cb.OnSessionChange != nil {
		m.cb.OnSessionChange(id)
	}

	m.mu.Lock()
	pending := m.pendingConnect
	m.pendingConnect = false
	m.mu.Unlock()

	if pending {
		// Queued behind the disconnect: the loop fully resets the
		// old epoch before this connect begins.
		m.post(fsm.Event{Type: fsm.EventConnect})
	}
}

// SendCommand sanitizes and transmits a typed game command. Returns
// false when not connected or when policy rejects the payload; it
// never panics.
func (m *Manager) SendCommand(command string, args []string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("send command panicked", "panic", r)
			ok = false
		}
	}()

	if m.machine.State() != fsm.StateConnected {
		return false
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return false
	}
	return client.SendCommand(command, args)
}

// SendMessage transmits a legacy simple message.
func (m *Manager) SendMessage(text string) bool {
	if m.machine.State() != fsm.StateConnected {
		return false
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return false
	}
	return client.SendMessage(text)
}

// Status returns the connection summary for a status indicator.
func (m *Manager) Status() Status {
	ctx := m.machine.Context()
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	healthy := false
	if client != nil {
		healthy = client.Healthy()
	}
	return Status{
		State:             m.machine.State(),
		SessionID:         m.sessions.Current(),
		LastError:         ctx.LastError,
		ReconnectAttempts: ctx.ReconnectAttempts,
		Healthy:           healthy,
	}
}

// LastEvent returns the most recently accepted event, if any.
func (m *Manager) LastEvent() (events.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastEvent == nil {
		return events.Event{}, false
	}
	return *m.lastEvent, true
}

// post queues a lifecycle event for the loop.
func (m *Manager) post(ev fsm.Event) {
	if m.ctx == nil {
		return
	}
	select {
	case m.loop <- ev:
	case <-m.ctx.Done():
	}
}

// run is the single goroutine that serializes every state transition
// and performs the machine's required effects.
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			m.stopTransports()
			return
		case ev := <-m.loop:
			m.step(ev)
		}
	}
}

// step applies one event and reacts to the transition.
func (m *Manager) step(ev fsm.Event) {
	tr := m.machine.Fire(ev)
	if !tr.Changed {
		return
	}

	m.logger.Debug("state transition",
		"from", tr.From,
		"to", tr.To,
		"event", ev.Type,
	)

	// Any transition invalidates the pending delayed transition; the
	// serial guard already makes a late fire harmless, stopping the
	// timer just frees it early.
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	for _, effect := range tr.Effects {
		switch effect {
		case fsm.EffectStopTransports:
			m.stopTransports()
		case fsm.EffectStartWS:
			m.startWS()
		case fsm.EffectStartSSE:
			m.startSSE()
		}
	}

	if tr.Timer != nil {
		m.armTimer(*tr.Timer)
	}

	m.notify(tr)
}

// notify surfaces state changes to the registered callbacks.
func (m *Manager) notify(tr fsm.Transition) {
	if tr.To == fsm.StateConnected && tr.From != fsm.StateConnected {
		// New connection epoch: stale dedup state must not suppress
		// the new epoch's restarted sequence numbers.
		m.dedup.Reset()
		m.mu.Lock()
		m.wasConnected = true
		m.mu.Unlock()
		if m.cb.OnConnect != nil {
			m.cb.OnConnect()
		}
		if m.cb.OnHealth != nil {
			m.cb.OnHealth(true)
		}
		return
	}

	if tr.To != fsm.StateConnected {
		m.mu.Lock()
		lost := m.wasConnected
		m.wasConnected = false
		m.mu.Unlock()
		if lost {
			// Exactly once per connected -> not-connected transition.
			if m.cb.OnDisconnect != nil {
				m.cb.OnDisconnect()
			}
			if m.cb.OnHealth != nil {
				m.cb.OnHealth(false)
			}
		}
	}

	if (tr.To == fsm.StateReconnecting || tr.To == fsm.StateFailed) && m.cb.OnError != nil {
		m.cb.OnError(m.machine.Context().LastError)
	}
}

// armTimer schedules the machine's delayed transition.
func (m *Manager) armTimer(t fsm.Timer) {
	var ev fsm.Event
	switch t.Kind {
	case fsm.TimerConnectTimeout:
		ev = fsm.Event{Type: fsm.EventTimeout, Serial: t.Serial, Error: "Connection timeout"}
	case fsm.TimerReconnectDelay:
		ev = fsm.Event{Type: fsm.EventReconnectElapsed, Serial: t.Serial}
	default:
		return
	}
	timer := time.AfterFunc(t.Delay, func() {
		m.post(ev)
	})
	m.mu.Lock()
	m.timer = timer
	m.mu.Unlock()
}

// startWS creates and dials the WebSocket adapter. Guarded by a
// current-transport-absent check so only one adapter exists at a time.
func (m *Manager) startWS() {
	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return
	}
	client := NewClient(ClientConfig{
		URL:          m.cfg.WSURL,
		Token:        m.cfg.Token,
		SessionID:    m.sessions.Current(),
		CharacterID:  m.cfg.CharacterID,
		PingInterval: m.cfg.PingInterval,
		StaleAfter:   m.cfg.StaleAfter,
		BufferSize:   m.cfg.BufferSize,
		DevMode:      m.cfg.DevMode,
		Prober:       m.cfg.Prober,
	}, m.registry, m.logger)
	m.client = client
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := client.Connect(m.ctx); err != nil {
			m.post(fsm.Event{Type: fsm.EventWSFailed, Error: errorString(err)})
			return
		}
		m.post(fsm.Event{Type: fsm.EventWSConnected})
		m.pumpWS(client)
	}()
}

// pumpWS forwards the adapter's messages and errors into the loop
// until the adapter is torn down.
func (m *Manager) pumpWS(client *Client) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-client.Done():
			return
		case err := <-client.Errors():
			m.post(fsm.Event{Type: fsm.EventError, Error: errorString(err)})
			return
		case msg := <-client.Messages():
			m.handleInbound(client, msg)
		}
	}
}

// startSSE creates and opens the legacy SSE adapter.
func (m *Manager) startSSE() {
	m.mu.Lock()
	if m.sse != nil {
		m.mu.Unlock()
		return
	}
	sse := NewSSEClient(SSEConfig{
		URL:        m.cfg.SSEURL,
		Token:      m.cfg.Token,
		SessionID:  m.sessions.Current(),
		BufferSize: m.cfg.BufferSize,
	}, m.registry, m.logger)
	// The server may assign the authoritative session id on first
	// open; adopt it silently.
	sse.OnSessionAssigned(m.sessions.Adopt)
	m.sse = sse
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := sse.Connect(m.ctx); err != nil {
			m.post(fsm.Event{Type: fsm.EventSSEFailed, Error: errorString(err)})
			return
		}
		m.post(fsm.Event{Type: fsm.EventSSEConnected})
		m.pumpSSE(sse)
	}()
}

func (m *Manager) pumpSSE(sse *SSEClient) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-sse.Done():
			return
		case err := <-sse.Errors():
			m.post(fsm.Event{Type: fsm.EventError, Error: errorString(err)})
			return
		case msg := <-sse.Messages():
			m.handleInbound(nil, msg)
		}
	}
}

// handleInbound parses, deduplicates, and forwards one raw message.
// Parse failures are logged and dropped; they never reach subscribers
// and never affect connection state.
func (m *Manager) handleInbound(client *Client, msg TimestampedMessage) {
	ev, err := events.Parse(msg.Data)
	if err != nil {
		m.logger.Warn("dropping unparseable message", "error", err)
		return
	}

	if m.dedup.Duplicate(ev.Sequence) {
		m.logger.Debug("dropping duplicate event",
			"event_type", ev.Type,
			"seq", ev.Sequence,
		)
		return
	}

	m.mu.Lock()
	m.lastEvent = &ev
	m.mu.Unlock()

	if ev.Type == events.TypeHeartbeat {
		if client != nil {
			client.RefreshHeartbeat()
		}
		if m.cb.OnHealth != nil {
			m.cb.OnHealth(true)
		}
		return
	}

	if m.cb.OnEvent != nil {
		m.cb.OnEvent(ev)
	}
}

// stopTransports releases the current adapters. Any previous adapter
// reference is cleared before a new transport can be created, so no
// socket leaks across reconnects.
func (m *Manager) stopTransports() {
	m.mu.Lock()
	client := m.client
	sse := m.sse
	m.client = nil
	m.sse = nil
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if sse != nil {
		sse.Close()
	}

	// Drain this epoch's releases now. Without this the registry grows
	// by one socket and one ticker per reconnect until Stop.
	m.registry.ReleaseAll()
}
