// Package events defines the inbound game event envelope and the
// per-epoch duplicate suppression applied before events reach any
// state-mutating consumer.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Well-known event types.
const (
	TypeHeartbeat       = "heartbeat"
	TypeCommandResponse = "command_response"
	TypeChatMessage     = "chat_message"

	TypeRoomUpdate    = "room_update"
	TypeRoomOccupants = "room_occupants"

	TypeCombatStarted = "combat_started"
	TypeCombatEnded   = "combat_ended"
	TypeNPCAttacked   = "npc_attacked"

	TypeContainerOpened  = "container.opened"
	TypeContainerUpdated = "container.updated"
	TypeContainerClosed  = "container.closed"
	TypeContainerDecayed = "container.decayed"
)

// Event is the server-to-client wire envelope. Sequence numbers are
// monotonic within one connection epoch and only comparable within it.
type Event struct {
	Type       string         `json:"event_type"`
	Timestamp  string         `json:"timestamp"`
	Sequence   int64          `json:"sequence_number"`
	PlayerID   string         `json:"player_id,omitempty"`
	RoomID     string         `json:"room_id,omitempty"`
	AliasChain []string       `json:"alias_chain,omitempty"`
	Data       map[string]any `json:"data"`
}

// Parse decodes a raw inbound payload. A payload that is not valid
// JSON or lacks an event type is rejected; callers log and drop it.
func Parse(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("parse event: missing event_type")
	}
	return ev, nil
}

// Deduper tracks the highest sequence number processed in the current
// connection epoch. The transport delivers events in non-decreasing
// sequence order; the deduper only discards exact or stale repeats,
// it never reorders.
type Deduper struct {
	mu   sync.Mutex
	last int64
}

// NewDeduper returns a deduper for a fresh epoch.
func NewDeduper() *Deduper {
	return &Deduper{}
}

// Duplicate reports whether seq was already processed this epoch, and
// records it otherwise. Events without a sequence number (zero) are
// never suppressed.
func (d *Deduper) Duplicate(seq int64) bool {
	if seq == 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq <= d.last {
		return true
	}
	d.last = seq
	return false
}

// Reset clears tracking for a new connection epoch. Sequence numbers
// restart per epoch; stale state from a prior epoch must not suppress
// the new epoch's events.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = 0
}
