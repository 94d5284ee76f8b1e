// Package fsm implements the connection lifecycle state machine.
//
// The machine is a pure decision engine: Fire applies one event and
// returns the transition plus the side effects the caller must
// perform (start a transport, stop transports, arm a timer). It never
// touches a socket or a timer itself. The orchestrator in
// internal/connection reacts to the returned effects, which keeps
// state updates and side effects from racing each other.
package fsm

import (
	"sync"
	"time"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"     // single-transport establishment
	StateConnectingSSE State = "connecting_sse" // legacy dual path, SSE first
	StateSSEConnected  State = "sse_connected"  // pass-through: its only action is starting the WebSocket
	StateConnectingWS  State = "connecting_ws"  // legacy dual path, WS after SSE
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateFailed        State = "failed"
)

// EventType identifies a lifecycle signal.
type EventType string

const (
	EventConnect          EventType = "CONNECT"
	EventWSConnected      EventType = "WS_CONNECTED"
	EventSSEConnected     EventType = "SSE_CONNECTED"
	EventWSFailed         EventType = "WS_FAILED"
	EventSSEFailed        EventType = "SSE_FAILED"
	EventError            EventType = "ERROR"
	EventTimeout          EventType = "CONNECTION_TIMEOUT"
	EventReconnectElapsed EventType = "RECONNECT_ELAPSED"
	EventDisconnect       EventType = "DISCONNECT"
	EventRetry            EventType = "RETRY"
	EventReset            EventType = "RESET"
)

// Event is one lifecycle signal. Serial carries the machine serial an
// armed timer captured; a timer event whose serial no longer matches
// the machine is stale and ignored, which is how delayed transitions
// are cancelled by any intervening state change.
type Event struct {
	Type   EventType
	Error  string
	Serial uint64
}

// Effect is a side effect the caller must perform after a transition.
type Effect int

const (
	EffectStartWS Effect = iota + 1
	EffectStartSSE
	EffectStopTransports
)

// TimerKind distinguishes the two delayed transitions.
type TimerKind int

const (
	TimerConnectTimeout TimerKind = iota + 1
	TimerReconnectDelay
)

// Timer asks the caller to arm a delayed event. The caller must post
// EventTimeout (connect timers) or EventReconnectElapsed (backoff
// timers) with the captured Serial when it fires.
type Timer struct {
	Kind   TimerKind
	Delay  time.Duration
	Serial uint64
}

// Transition reports the result of one Fire call. Changed is false
// when the event was ignored (invalid for the current state, or a
// stale timer).
type Transition struct {
	From    State
	To      State
	Changed bool
	Effects []Effect
	Timer   *Timer
}

// Context is the bookkeeping record owned exclusively by the machine.
// It is mutated only inside Fire and fully cleared on RESET or on
// entering disconnected.
type Context struct {
	ReconnectAttempts    int
	MaxReconnectAttempts int
	LastError            string
	ConnectionStartTime  time.Time
	LastConnectedTime    time.Time
}

// Config controls machine behavior.
type Config struct {
	MaxReconnectAttempts int           // default 5
	ConnectTimeout       time.Duration // default 30s, per connecting sub-state
	DualTransport        bool          // legacy SSE+WS path
	Now                  func() time.Time
}

const (
	defaultMaxReconnectAttempts = 5
	defaultConnectTimeout       = 30 * time.Second

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Machine is the connection state machine.
type Machine struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	ctx    Context
	serial uint64
}

// New creates a machine in the disconnected state.
func New(cfg Config) *Machine {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		cfg:   cfg,
		state: StateDisconnected,
		ctx:   Context{MaxReconnectAttempts: cfg.MaxReconnectAttempts},
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the machine's bookkeeping record.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Backoff returns the reconnect delay for the given attempt count:
// min(1s * 2^attempts, 30s). Recomputed on every entry to
// reconnecting, never cached.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 5 { // 1s << 5 == 32s, already past the cap
		return backoffCap
	}
	d := backoffBase << uint(attempts)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Fire applies one event. Invalid events for the current state and
// stale timer events return Changed == false and leave the machine
// untouched.
func (m *Machine) Fire(ev Event) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state

	if ev.Serial != 0 && ev.Serial != m.serial {
		return Transition{From: from, To: from}
	}

	switch ev.Type {
	case EventDisconnect:
		// Accepted from every state.
		return m.enterDisconnected(from, false)

	case EventReset:
		return m.enterDisconnected(from, true)

	case EventConnect:
		if from != StateDisconnected {
			return Transition{From: from, To: from}
		}
		m.ctx = Context{MaxReconnectAttempts: m.cfg.MaxReconnectAttempts}
		m.ctx.ConnectionStartTime = m.cfg.Now()
		return m.enterConnecting(from)

	case EventSSEConnected:
		if from != StateConnectingSSE {
			return Transition{From: from, To: from}
		}
		// sse_connected is entered and immediately left for
		// connecting_ws; its entry action is starting the WebSocket.
		m.state = StateConnectingWS
		m.serial++
		return Transition{
			From:    from,
			To:      StateConnectingWS,
			Changed: true,
			Effects: []Effect{EffectStartWS},
			Timer:   &Timer{Kind: TimerConnectTimeout, Delay: m.cfg.ConnectTimeout, Serial: m.serial},
		}

	case EventWSConnected:
		switch from {
		case StateConnecting, StateConnectingWS, StateSSEConnected, StateReconnecting:
		default:
			return Transition{From: from, To: from}
		}
		m.state = StateConnected
		m.serial++
		m.ctx.ReconnectAttempts = 0
		m.ctx.LastError = ""
		m.ctx.LastConnectedTime = m.cfg.Now()
		return Transition{From: from, To: StateConnected, Changed: true}

	case EventWSFailed, EventSSEFailed, EventError, EventTimeout:
		switch from {
		case StateConnecting, StateConnectingSSE, StateSSEConnected, StateConnectingWS, StateConnected, StateReconnecting:
		default:
			return Transition{From: from, To: from}
		}
		reason := ev.Error
		if reason == "" {
			reason = "Unknown error"
		}
		m.ctx.ReconnectAttempts++
		m.ctx.LastError = reason
		return m.enterReconnecting(from)

	case EventReconnectElapsed:
		if from != StateReconnecting {
			return Transition{From: from, To: from}
		}
		if m.ctx.ReconnectAttempts >= m.ctx.MaxReconnectAttempts {
			return m.enterFailed(from)
		}
		return m.enterConnecting(from)

	case EventRetry:
		if from != StateFailed {
			return Transition{From: from, To: from}
		}
		m.ctx.ReconnectAttempts = 0
		m.ctx.LastError = ""
		m.ctx.ConnectionStartTime = m.cfg.Now()
		return m.enterConnecting(from)
	}

	return Transition{From: from, To: from}
}

// enterConnecting moves to the connecting state for the configured
// transport path and arms the per-state connection timeout.
func (m *Machine) enterConnecting(from State) Transition {
	var to State
	var effects []Effect
	if m.cfg.DualTransport {
		to = StateConnectingSSE
		effects = []Effect{EffectStartSSE}
	} else {
		to = StateConnecting
		effects = []Effect{EffectStartWS}
	}
	m.state = to
	m.serial++
	return Transition{
		From:    from,
		To:      to,
		Changed: true,
		Effects: effects,
		Timer:   &Timer{Kind: TimerConnectTimeout, Delay: m.cfg.ConnectTimeout, Serial: m.serial},
	}
}

// enterReconnecting increments nothing itself; the caller updated the
// attempt count. The max-attempts check happens on entry, before any
// delay is armed.
func (m *Machine) enterReconnecting(from State) Transition {
	if m.ctx.ReconnectAttempts >= m.ctx.MaxReconnectAttempts {
		return m.enterFailed(from)
	}
	m.state = StateReconnecting
	m.serial++
	return Transition{
		From:    from,
		To:      StateReconnecting,
		Changed: true,
		Effects: []Effect{EffectStopTransports},
		Timer:   &Timer{Kind: TimerReconnectDelay, Delay: Backoff(m.ctx.ReconnectAttempts), Serial: m.serial},
	}
}

func (m *Machine) enterFailed(from State) Transition {
	m.state = StateFailed
	m.serial++
	return Transition{
		From:    from,
		To:      StateFailed,
		Changed: true,
		Effects: []Effect{EffectStopTransports},
	}
}

// enterDisconnected clears the context. DISCONNECT and RESET both land
// here; both are valid from every state.
func (m *Machine) enterDisconnected(from State, reset bool) Transition {
	m.state = StateDisconnected
	m.serial++
	m.ctx = Context{MaxReconnectAttempts: m.cfg.MaxReconnectAttempts}
	changed := from != StateDisconnected || reset
	return Transition{
		From:    from,
		To:      StateDisconnected,
		Changed: changed,
		Effects: []Effect{EffectStopTransports},
	}
}
