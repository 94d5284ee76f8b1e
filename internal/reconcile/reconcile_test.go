package reconcile

import (
	"testing"

	"github.com/duskhollow/mudclient/internal/events"
)

func roomUpdate(seq int64, id, name string, occupants ...string) events.Event {
	occ := make([]any, len(occupants))
	for i, o := range occupants {
		occ[i] = o
	}
	return events.Event{
		Type:     events.TypeRoomUpdate,
		Sequence: seq,
		Data: map[string]any{
			"id":          id,
			"name":        name,
			"description": "desc of " + name,
			"zone":        "ashfen",
			"exits":       map[string]any{"north": "r-2", "south": nil},
			"occupants":   occ,
		},
	}
}

func occupantsUpdate(seq int64, occupants ...string) events.Event {
	occ := make([]any, len(occupants))
	for i, o := range occupants {
		occ[i] = o
	}
	return events.Event{
		Type:     events.TypeRoomOccupants,
		Sequence: seq,
		Data:     map[string]any{"occupants": occ},
	}
}

func TestRoomUpdate_ReplacesIdentityAtomically(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})

	r.Apply(roomUpdate(1, "r-1", "The Old Mill", "Edda", "Tam"))

	room, known := r.Room()
	if !known {
		t.Fatal("room not known after room_update")
	}
	if room.ID != "r-1" || room.Name != "The Old Mill" || room.Zone != "ashfen" {
		t.Errorf("room identity: %+v", room)
	}
	if room.OccupantCount != 2 || len(room.Occupants) != 2 {
		t.Errorf("occupants: %v count %d", room.Occupants, room.OccupantCount)
	}
	if room.Exits["north"] != "r-2" {
		t.Errorf("exits: %v", room.Exits)
	}
}

func TestRoomOccupants_NeverRevertsIdentity(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})

	r.Apply(roomUpdate(5, "r-9", "Lantern Row"))
	r.Apply(occupantsUpdate(6, "Edda", "Tam", "Bryn"))

	room, _ := r.Room()
	if room.ID != "r-9" || room.Name != "Lantern Row" || room.Description != "desc of Lantern Row" {
		t.Errorf("identity fields reverted: %+v", room)
	}
	if room.OccupantCount != 3 {
		t.Errorf("occupant count = %d, want 3", room.OccupantCount)
	}
}

func TestRoomOccupants_StaleSequenceDropped(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})

	r.Apply(roomUpdate(10, "r-2", "New Room", "Only"))
	// Occupants event from before the room change, processed late.
	r.Apply(occupantsUpdate(4, "Ghost", "Of", "Old", "Room"))

	room, _ := r.Room()
	if room.Name != "New Room" {
		t.Errorf("identity reverted: %+v", room)
	}
	if room.OccupantCount != 1 || room.Occupants[0] != "Only" {
		t.Errorf("stale occupants applied: %v", room.Occupants)
	}
}

func TestRoomOccupants_FallbackToDefaultRoom(t *testing.T) {
	r := New(Config{
		LocalPlayerID: "u1",
		DefaultRoom:   Room{ID: "limbo", Name: "The Void"},
	})

	r.Apply(occupantsUpdate(1, "Edda"))

	room, known := r.Room()
	if !known {
		t.Fatal("room not known after fallback")
	}
	if room.ID != "limbo" || room.Name != "The Void" {
		t.Errorf("fabricated identity instead of default room: %+v", room)
	}
	if room.OccupantCount != 1 {
		t.Errorf("occupants not applied to default room: %v", room.Occupants)
	}
}

func TestPlaceholderRoomFromDisplayName(t *testing.T) {
	// The binary configures the fallback from a plain display name.
	r := New(Config{
		LocalPlayerID: "u1",
		DefaultRoom:   PlaceholderRoom("The Void"),
	})

	r.Apply(occupantsUpdate(1, "Edda"))

	room, known := r.Room()
	if !known {
		t.Fatal("room not known after fallback")
	}
	if room.Name != "The Void" {
		t.Errorf("placeholder name = %q", room.Name)
	}
	if room.ID != "" {
		t.Errorf("placeholder fabricated an identity: %q", room.ID)
	}
	if room.OccupantCount != 1 || room.Occupants[0] != "Edda" {
		t.Errorf("occupants not applied to placeholder: %v", room.Occupants)
	}
}

func TestOccupantCountMatchesList(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1", DefaultRoom: Room{ID: "limbo"}})
	r.Apply(roomUpdate(1, "r-1", "A", "x", "y", "z"))
	r.Apply(occupantsUpdate(2, "x"))

	room, _ := r.Room()
	if room.OccupantCount != len(room.Occupants) {
		t.Errorf("count %d != len %d", room.OccupantCount, len(room.Occupants))
	}
}

func combatStarted(seq int64, combatID string, participantIDs ...string) events.Event {
	participants := make(map[string]any, len(participantIDs))
	for _, id := range participantIDs {
		participants[id] = map[string]any{"name": "Name-" + id}
	}
	return events.Event{
		Type:     events.TypeCombatStarted,
		Sequence: seq,
		Data:     map[string]any{"combat_id": combatID, "participants": participants},
	}
}

func TestCombatStarted_ScopedToLocalPlayer(t *testing.T) {
	r := New(Config{LocalPlayerID: "u2"})
	r.Apply(combatStarted(1, "c-1", "u1"))
	if r.Combat().InCombat {
		t.Error("inCombat true while local player not a participant")
	}

	r = New(Config{LocalPlayerID: "u1"})
	r.Apply(combatStarted(1, "c-1", "u1"))
	if !r.Combat().InCombat {
		t.Error("inCombat false while local player is a participant")
	}
}

func TestCombatStarted_NarrativeResolvesNames(t *testing.T) {
	r := New(Config{LocalPlayerID: "u2"})
	var lines []string
	r.OnNarrative(func(l string) { lines = append(lines, l) })

	ev := combatStarted(1, "c-1", "u1")
	ev.Data["turn_order"] = []any{"u1", "u9"} // u9 has no participant entry
	r.Apply(ev)

	if len(lines) != 1 {
		t.Fatalf("expected one narrative line, got %v", lines)
	}
	if want := "Combat has begun! Participants: Name-u1, u9"; lines[0] != want {
		t.Errorf("narrative = %q, want %q", lines[0], want)
	}
}

func TestCombatEnded_RequiresMatchingID(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})
	r.Apply(combatStarted(1, "c-1", "u1"))

	r.Apply(events.Event{
		Type: events.TypeCombatEnded,
		Data: map[string]any{"combat_id": "c-other"},
	})
	if !r.Combat().InCombat {
		t.Error("foreign combat_ended cleared local combat")
	}

	r.Apply(events.Event{
		Type: events.TypeCombatEnded,
		Data: map[string]any{"combat_id": "c-1"},
	})
	if r.Combat().InCombat {
		t.Error("matching combat_ended did not clear local combat")
	}
}

func TestNPCAttacked_TargetScoping(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})
	r.Apply(events.Event{
		Type: events.TypeNPCAttacked,
		Data: map[string]any{
			"target_id": "u1", "attacker_name": "Bog Wight",
			"damage": float64(7), "hp": float64(13), "max_hp": float64(20),
		},
	})

	hp, maxHP := r.LocalHP()
	if hp != 13 || maxHP != 20 {
		t.Errorf("local hp = %d/%d, want 13/20", hp, maxHP)
	}

	// An attack on another player must not touch local health.
	var lines []string
	r.OnNarrative(func(l string) { lines = append(lines, l) })
	r.Apply(events.Event{
		Type: events.TypeNPCAttacked,
		Data: map[string]any{
			"target_id": "u2", "attacker_name": "Bog Wight",
			"damage": float64(99), "hp": float64(1),
		},
	})

	hp, _ = r.LocalHP()
	if hp != 13 {
		t.Errorf("attack on another player mutated local hp to %d", hp)
	}
	if len(lines) != 1 {
		t.Errorf("expected narrative for foreign attack, got %v", lines)
	}
}

func containerOpened(id string, items ...string) events.Event {
	stacks := make([]any, len(items))
	for i, it := range items {
		stacks[i] = map[string]any{"id": it, "name": it, "quantity": float64(1)}
	}
	return events.Event{
		Type: events.TypeContainerOpened,
		Data: map[string]any{
			"container_id":   id,
			"lock_state":     "unlocked",
			"capacity_slots": float64(8),
			"items":          stacks,
			"mutation_token": "tok-1",
			"expires_at":     "2026-08-29T12:05:00Z",
		},
	}
}

func TestContainerOpened_AdoptsSnapshot(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})
	r.Apply(containerOpened("chest-1", "rope", "lamp"))

	c, ok := r.Container("chest-1")
	if !ok || !c.Open {
		t.Fatalf("container not tracked as open: %+v ok=%v", c, ok)
	}
	if c.MutationToken != "tok-1" || c.CapacitySlots != 8 || len(c.Items) != 2 {
		t.Errorf("snapshot not adopted: %+v", c)
	}
}

func TestContainerOpened_RoomBroadcastVariant(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})
	r.Apply(events.Event{
		Type: events.TypeContainerOpened,
		Data: map[string]any{
			"container": map[string]any{
				"container_id": "chest-2",
				"lock_state":   "unlocked",
			},
			"mutation_token": "tok-2",
		},
	})

	c, ok := r.Container("chest-2")
	if !ok || c.MutationToken != "tok-2" {
		t.Errorf("broadcast variant not adopted: %+v ok=%v", c, ok)
	}
}

func TestContainerUpdated_OnlyWhenOpen(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})

	update := events.Event{
		Type: events.TypeContainerUpdated,
		Data: map[string]any{
			"container_id": "chest-1",
			"items_added":  []any{map[string]any{"id": "coin", "quantity": float64(5)}},
		},
	}

	// Not tracked yet: must not implicitly open.
	r.Apply(update)
	if _, ok := r.Container("chest-1"); ok {
		t.Fatal("container.updated implicitly opened a container")
	}

	r.Apply(containerOpened("chest-1", "rope"))
	r.Apply(update)

	c, _ := r.Container("chest-1")
	if len(c.Items) != 2 {
		t.Fatalf("diff not applied: %+v", c.Items)
	}

	// Subtractive diff.
	r.Apply(events.Event{
		Type: events.TypeContainerUpdated,
		Data: map[string]any{
			"container_id":  "chest-1",
			"items_removed": []any{map[string]any{"id": "rope", "quantity": float64(1)}},
		},
	})
	c, _ = r.Container("chest-1")
	if len(c.Items) != 1 || c.Items[0].ID != "coin" {
		t.Errorf("removal not applied: %+v", c.Items)
	}
}

func TestContainerClosed_Idempotent(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})
	r.Apply(containerOpened("chest-1"))

	closed := events.Event{
		Type: events.TypeContainerClosed,
		Data: map[string]any{"container_id": "chest-1"},
	}
	r.Apply(closed)
	if _, ok := r.Container("chest-1"); ok {
		t.Fatal("container still tracked after close")
	}

	// Second close and a decay for an unknown id are silent no-ops.
	r.Apply(closed)
	r.Apply(events.Event{
		Type: events.TypeContainerDecayed,
		Data: map[string]any{"container_id": "never-seen"},
	})
}

func TestMalformedEventsDropped(t *testing.T) {
	r := New(Config{LocalPlayerID: "u1"})
	r.Apply(roomUpdate(1, "r-1", "Safe Room"))

	malformed := []events.Event{
		{Type: events.TypeRoomUpdate, Data: nil},
		{Type: events.TypeRoomUpdate, Data: map[string]any{"name": "no id"}},
		{Type: events.TypeRoomOccupants, Data: map[string]any{"occupants": "not a list"}},
		{Type: events.TypeCombatStarted, Data: map[string]any{"combat_id": "c"}},
		{Type: events.TypeCombatStarted, Data: nil},
		{Type: events.TypeCombatEnded, Data: map[string]any{}},
		{Type: events.TypeNPCAttacked, Data: map[string]any{"damage": float64(5)}},
		{Type: events.TypeContainerOpened, Data: map[string]any{"lock_state": "x"}},
		{Type: events.TypeContainerUpdated, Data: nil},
		{Type: events.TypeContainerClosed, Data: nil},
	}
	for _, ev := range malformed {
		r.Apply(ev) // must not panic
	}

	room, _ := r.Room()
	if room.Name != "Safe Room" {
		t.Errorf("malformed event mutated room: %+v", room)
	}
	if r.Combat().InCombat {
		t.Error("malformed event started combat")
	}
}
