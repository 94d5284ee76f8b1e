package reconcile

// Room is the reconciled view of the player's current room.
type Room struct {
	ID            string
	Name          string
	Description   string
	Zone          string
	SubZone       string
	Exits         map[string]string
	Occupants     []string
	OccupantCount int
}

// PlaceholderRoom builds the fallback room adopted when occupants
// arrive before any room identity. It carries a display name only; a
// real identity comes exclusively from a room_update.
func PlaceholderRoom(name string) Room {
	return Room{Name: name}
}

// Participant is one combatant as known from combat events.
type Participant struct {
	Name  string
	HP    int
	MaxHP int
	HasHP bool // HP fields present on the wire
}

// Combat is the reconciled combat view, scoped to the local player.
type Combat struct {
	ID           string
	Participants map[string]Participant
	TurnOrder    []string
	InCombat     bool // true only while the local player is a participant
}

// ItemStack is one stack of items inside a container.
type ItemStack struct {
	ID       string
	Name     string
	Quantity int
}

// Container is the reconciled view of one opened container.
type Container struct {
	ID            string
	LockState     string
	CapacitySlots int
	Items         []ItemStack
	AllowedRoles  []string
	Metadata      map[string]any
	MutationToken string
	ExpiresAt     string
	Open          bool
}
