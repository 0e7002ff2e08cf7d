package model

// SessionStatus is the lifecycle state of a display's pairing session.
// Transitions: waiting -> paired -> disconnected, with waiting -> waiting
// on code refresh. Disconnected is terminal for a given token; a display
// that lost its session re-registers with a brand new token.
type SessionStatus string

const (
	SessionStatusWaiting      SessionStatus = "waiting"
	SessionStatusPaired       SessionStatus = "paired"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// Role of a presence member on a campaign channel.
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

func (r Role) Valid() bool {
	return r == RoleDM || r == RolePlayer
}

// FieldGroup identifies which slice of a character's mutable state a
// mutation or broadcast touches. Sequencing and reconciliation are both
// keyed by (character, field group).
type FieldGroup string

const (
	FieldGroupHP        FieldGroup = "hp"
	FieldGroupXP        FieldGroup = "xp"
	FieldGroupCondition FieldGroup = "condition"
	FieldGroupCurrency  FieldGroup = "currency"
	FieldGroupInventory FieldGroup = "inventory"
	FieldGroupNotes     FieldGroup = "notes"
)

func (f FieldGroup) Valid() bool {
	switch f {
	case FieldGroupHP, FieldGroupXP, FieldGroupCondition,
		FieldGroupCurrency, FieldGroupInventory, FieldGroupNotes:
		return true
	}
	return false
}
