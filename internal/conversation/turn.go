package conversation

import (
	"strings"
	"time"
)

// Role tags who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation. Turns are append-only: once created,
// Text and Role are never mutated. TokenCost is a cached estimate filled in by
// whoever first needs it.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
	TokenCost int
}

// NewTurn creates a turn stamped with the current wall-clock time.
func NewTurn(role Role, text string) Turn {
	return Turn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// Valid reports whether the turn has a known role and non-empty text.
func (t Turn) Valid() bool {
	switch t.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return false
	}
	return strings.TrimSpace(t.Text) != ""
}

// TotalCost sums the cached token cost of the given turns.
func TotalCost(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += t.TokenCost
	}
	return total
}

// TurnResult is what a completed turn hands back to the caller: the answer the
// user waited for, plus out-of-band signals about what happened while the
// context stores were being updated.
type TurnResult struct {
	Response  string
	Citations []string

	// LossyCompaction is set when the memory buffer had to drop turns outright
	// instead of summarizing them during this turn.
	LossyCompaction bool

	// UpdateErrs collects non-fatal failures from the post-response store
	// writes. The response above is still valid when this is non-empty.
	UpdateErrs []error
}

// PartialUpdate reports whether any post-response store write failed.
func (r *TurnResult) PartialUpdate() bool {
	return len(r.UpdateErrs) > 0
}
