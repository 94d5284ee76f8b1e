// Package reconcile applies inbound game events to room, combat, and
// container view state while preserving the ordering and identity
// invariants the UI depends on. Events arrive already deduplicated;
// this layer still has to tolerate occupant-only updates racing room
// changes, foreign combat lifecycles, and malformed payloads.
package reconcile

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/duskhollow/mudclient/internal/events"
)

// Config controls reconciliation.
type Config struct {
	// LocalPlayerID scopes combat and health mutations. Events
	// addressed to other players render as narrative only.
	LocalPlayerID string

	// DefaultRoom is adopted when an occupants-only event arrives
	// before any room identity is known. Identity is never fabricated
	// from an occupants event.
	DefaultRoom Room

	Logger *slog.Logger
}

// Reconciler owns the client view state.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	room       Room
	roomKnown  bool
	roomSeq    int64 // sequence of the event that set the room identity
	combat     Combat
	containers map[string]*Container
	localHP    int
	localMaxHP int

	onNarrative func(line string)
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "reconcile"),
		containers: make(map[string]*Container),
	}
}

// OnNarrative registers a callback for display-only lines (combat
// announcements, attacks on other players, command responses).
func (r *Reconciler) OnNarrative(fn func(line string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNarrative = fn
}

// Room returns a copy of the current room view.
func (r *Reconciler) Room() (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyRoom(r.room), r.roomKnown
}

// Combat returns a copy of the current combat view.
func (r *Reconciler) Combat() Combat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCombat(r.combat)
}

// Container returns a copy of a tracked container.
func (r *Reconciler) Container(id string) (Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return copyContainer(*c), true
}

// LocalHP returns the local player's last known hit points.
func (r *Reconciler) LocalHP() (hp, maxHP int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localHP, r.localMaxHP
}

// Apply reconciles one event. Malformed events are logged and dropped
// without mutating state; Apply never panics on bad payloads.
func (r *Reconciler) Apply(ev events.Event) {
	var narrative string

	r.mu.Lock()
	switch ev.Type {
	case events.TypeRoomUpdate:
		r.applyRoomUpdate(ev)
	case events.TypeRoomOccupants:
		r.applyRoomOccupants(ev)
	case events.TypeCombatStarted:
		narrative = r.applyCombatStarted(ev)
	case events.TypeCombatEnded:
		r.applyCombatEnded(ev)
	case events.TypeNPCAttacked:
		narrative = r.applyNPCAttacked(ev)
	case events.TypeContainerOpened:
		r.applyContainerOpened(ev)
	case events.TypeContainerUpdated:
		r.applyContainerUpdated(ev)
	case events.TypeContainerClosed, events.TypeContainerDecayed:
		r.applyContainerRemoved(ev)
	case events.TypeCommandResponse, events.TypeChatMessage:
		narrative = getString(ev.Data, "message")
	}
	fn := r.onNarrative
	r.mu.Unlock()

	if narrative != "" && fn != nil {
		fn(narrative)
	}
}

// applyRoomUpdate replaces room identity and occupants atomically.
func (r *Reconciler) applyRoomUpdate(ev events.Event) {
	id := getString(ev.Data, "id")
	if id == "" {
		id = ev.RoomID
	}
	if id == "" || ev.Data == nil {
		r.logger.Warn("dropping malformed room_update", "seq", ev.Sequence)
		return
	}

	room := Room{
		ID:          id,
		Name:        getString(ev.Data, "name"),
		Description: getString(ev.Data, "description"),
		Zone:        getString(ev.Data, "zone"),
		SubZone:     getString(ev.Data, "sub_zone"),
		Exits:       getStringMap(ev.Data, "exits"),
		Occupants:   getStringSlice(ev.Data, "occupants"),
	}
	room.OccupantCount = len(room.Occupants)

	r.room = room
	r.roomKnown = true
	r.roomSeq = ev.Sequence
}

// applyRoomOccupants updates only the occupant list. Identity fields
// always belong to the most recent identity-bearing event: an
// occupants event older than the identity it would attach to is
// dropped outright.
func (r *Reconciler) applyRoomOccupants(ev events.Event) {
	occupants, ok := getStringSliceOK(ev.Data, "occupants")
	if !ok {
		r.logger.Warn("dropping malformed room_occupants", "seq", ev.Sequence)
		return
	}

	if ev.Sequence != 0 && ev.Sequence < r.roomSeq {
		// Stale relative to the room identity on display.
		return
	}

	if !r.roomKnown {
		r.room = copyRoom(r.cfg.DefaultRoom)
		r.roomKnown = true
	}
	r.room.Occupants = occupants
	r.room.OccupantCount = len(occupants)
}

// applyCombatStarted records the combat and flips the local flag only
// when the local player is a participant.
func (r *Reconciler) applyCombatStarted(ev events.Event) string {
	combatID := getString(ev.Data, "combat_id")
	rawParticipants, ok := ev.Data["participants"].(map[string]any)
	if combatID == "" || !ok {
		r.logger.Warn("dropping malformed combat_started", "seq", ev.Sequence)
		return ""
	}

	participants := make(map[string]Participant, len(rawParticipants))
	for id, v := range rawParticipants {
		p := Participant{Name: id}
		if fields, ok := v.(map[string]any); ok {
			if name := getString(fields, "name"); name != "" {
				p.Name = name
			}
			if hp, ok := getIntOK(fields, "hp"); ok {
				p.HP = hp
				p.MaxHP = getInt(fields, "max_hp")
				p.HasHP = true
			}
		}
		participants[id] = p
	}

	_, local := participants[r.cfg.LocalPlayerID]
	r.combat = Combat{
		ID:           combatID,
		Participants: participants,
		TurnOrder:    getStringSlice(ev.Data, "turn_order"),
		InCombat:     local,
	}

	return "Combat has begun! Participants: " + joinParticipantNames(participants, r.combat.TurnOrder)
}

// applyCombatEnded clears combat state only for the tracked combat.
// Stale or foreign combat ends are no-ops.
func (r *Reconciler) applyCombatEnded(ev events.Event) {
	combatID := getString(ev.Data, "combat_id")
	if combatID == "" {
		r.logger.Warn("dropping malformed combat_ended", "seq", ev.Sequence)
		return
	}
	if r.combat.ID == "" || combatID != r.combat.ID {
		return
	}
	r.combat = Combat{}
}

// applyNPCAttacked mutates local health only when the local player is
// the declared target; attacks on others are narrative only.
func (r *Reconciler) applyNPCAttacked(ev events.Event) string {
	target := getString(ev.Data, "target_id")
	if target == "" {
		target = getString(ev.Data, "target")
	}
	if target == "" {
		r.logger.Warn("dropping malformed npc_attacked", "seq", ev.Sequence)
		return ""
	}

	attacker := getString(ev.Data, "attacker_name")
	if attacker == "" {
		attacker = getString(ev.Data, "npc_name")
	}
	damage := getInt(ev.Data, "damage")

	if target != r.cfg.LocalPlayerID {
		name := r.displayName(target)
		return fmt.Sprintf("%s attacks %s for %d damage.", orUnknown(attacker), name, damage)
	}

	if hp, ok := getIntOK(ev.Data, "hp"); ok {
		r.localHP = hp
		if maxHP, ok := getIntOK(ev.Data, "max_hp"); ok {
			r.localMaxHP = maxHP
		}
	} else {
		r.localHP -= damage
	}
	if p, ok := r.combat.Participants[target]; ok {
		p.HP = r.localHP
		p.HasHP = true
		r.combat.Participants[target] = p
	}
	return fmt.Sprintf("%s attacks you for %d damage!", orUnknown(attacker), damage)
}

// applyContainerOpened adopts a container snapshot, for both the
// personally-addressed and the room-broadcast variant.
func (r *Reconciler) applyContainerOpened(ev events.Event) {
	snapshot := ev.Data
	if nested, ok := ev.Data["container"].(map[string]any); ok {
		snapshot = nested
	}
	id := getString(snapshot, "container_id")
	if id == "" {
		id = getString(snapshot, "id")
	}
	if id == "" {
		r.logger.Warn("dropping malformed container.opened", "seq", ev.Sequence)
		return
	}

	c := &Container{
		ID:            id,
		LockState:     getString(snapshot, "lock_state"),
		CapacitySlots: getInt(snapshot, "capacity_slots"),
		Items:         getItemStacks(snapshot, "items"),
		AllowedRoles:  getStringSlice(snapshot, "allowed_roles"),
		MutationToken: getString(ev.Data, "mutation_token"),
		ExpiresAt:     getString(ev.Data, "expires_at"),
		Open:          true,
	}
	if meta, ok := snapshot["metadata"].(map[string]any); ok {
		c.Metadata = meta
	}
	if c.MutationToken == "" {
		c.MutationToken = getString(snapshot, "mutation_token")
	}
	if c.ExpiresAt == "" {
		c.ExpiresAt = getString(snapshot, "expires_at")
	}
	r.containers[id] = c
}

// applyContainerUpdated applies an items diff, but only to a container
// currently tracked as open. An update never implicitly opens.
func (r *Reconciler) applyContainerUpdated(ev events.Event) {
	id := getString(ev.Data, "container_id")
	if id == "" {
		r.logger.Warn("dropping malformed container.updated", "seq", ev.Sequence)
		return
	}
	c, ok := r.containers[id]
	if !ok || !c.Open {
		return
	}

	for _, stack := range getItemStacks(ev.Data, "items_added") {
		c.Items = addStack(c.Items, stack)
	}
	for _, stack := range getItemStacks(ev.Data, "items_removed") {
		c.Items = removeStack(c.Items, stack)
	}
	if lock := getString(ev.Data, "lock_state"); lock != "" {
		c.LockState = lock
	}
	if token := getString(ev.Data, "mutation_token"); token != "" {
		c.MutationToken = token
	}
	if exp := getString(ev.Data, "expires_at"); exp != "" {
		c.ExpiresAt = exp
	}
}

// applyContainerRemoved drops tracked state for closed and decayed
// containers regardless of open-state. Repeats are silent no-ops.
func (r *Reconciler) applyContainerRemoved(ev events.Event) {
	id := getString(ev.Data, "container_id")
	if id == "" {
		id = getString(ev.Data, "id")
	}
	if id == "" {
		r.logger.Warn("dropping malformed container removal", "type", ev.Type, "seq", ev.Sequence)
		return
	}
	delete(r.containers, id)
}

// displayName resolves an id through the combat participant map,
// falling back to the raw id; ids are never silently dropped.
func (r *Reconciler) displayName(id string) string {
	if p, ok := r.combat.Participants[id]; ok && p.Name != "" {
		return p.Name
	}
	return id
}

func joinParticipantNames(participants map[string]Participant, order []string) string {
	names := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, id := range order {
		if p, ok := participants[id]; ok {
			names = append(names, p.Name)
			seen[id] = struct{}{}
		} else {
			names = append(names, id)
		}
	}
	rest := make([]string, 0, len(participants))
	for id := range participants {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		names = append(names, participants[id].Name)
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func orUnknown(name string) string {
	if name == "" {
		return "Something"
	}
	return name
}

func addStack(items []ItemStack, stack ItemStack) []ItemStack {
	for i := range items {
		if items[i].ID == stack.ID {
			items[i].Quantity += stack.Quantity
			return items
		}
	}
	return append(items, stack)
}

func removeStack(items []ItemStack, stack ItemStack) []ItemStack {
	for i := range items {
		if items[i].ID != stack.ID {
			continue
		}
		items[i].Quantity -= stack.Quantity
		if items[i].Quantity <= 0 {
			return append(items[:i], items[i+1:]...)
		}
		return items
	}
	return items
}

func copyRoom(r Room) Room {
	out := r
	if r.Exits != nil {
		out.Exits = make(map[string]string, len(r.Exits))
		for k, v := range r.Exits {
			out.Exits[k] = v
		}
	}
	out.Occupants = append([]string(nil), r.Occupants...)
	return out
}

func copyCombat(c Combat) Combat {
	out := c
	if c.Participants != nil {
		out.Participants = make(map[string]Participant, len(c.Participants))
		for k, v := range c.Participants {
			out.Participants[k] = v
		}
	}
	out.TurnOrder = append([]string(nil), c.TurnOrder...)
	return out
}

func copyContainer(c Container) Container {
	out := c
	out.Items = append([]ItemStack(nil), c.Items...)
	out.AllowedRoles = append([]string(nil), c.AllowedRoles...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
