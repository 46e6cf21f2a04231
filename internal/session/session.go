package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxTurns is the number of turns a session keeps when no bound is configured.
const DefaultMaxTurns = 10

// ErrInvalidArgument is returned when a turn cannot be stored as given.
var ErrInvalidArgument = errors.New("invalid argument")

// Role identifies the author of a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn represents a single chat message
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents one user's bounded conversational context
type Session struct {
	UserID    string    `json:"user_id"`
	StartTime time.Time `json:"start_time"`
	Turns     []Turn    `json:"turns"`
}

// Len returns the number of stored turns.
func (s Session) Len() int {
	return len(s.Turns)
}

// Store maps a user identifier to its bounded session.
//
// AppendTurn must be atomic per user: concurrent appends for the same user are
// never interleaved and never leave more than the configured bound.
type Store interface {
	GetOrCreate(ctx context.Context, userID string) (Session, error)
	AppendTurn(ctx context.Context, userID string, role Role, content string) (Session, error)
	Clear(ctx context.Context, userID string) error
	Close() error
}

// Bounded is implemented by stores that know their per-session bound.
type Bounded interface {
	MaxTurns() int
}

// ValidateTurn checks a turn before it is stored.
func ValidateTurn(userID string, role Role, content string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	if role != RoleSystem && strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty %s content", ErrInvalidArgument, role)
	}
	return nil
}

func normalizeMaxTurns(n int) int {
	if n <= 0 {
		return DefaultMaxTurns
	}
	return n
}

// keepLast drops turns from the front until at most max remain.
func keepLast(turns []Turn, max int) []Turn {
	if len(turns) <= max {
		return turns
	}
	out := make([]Turn, max)
	copy(out, turns[len(turns)-max:])
	return out
}

func (s Session) clone() Session {
	out := s
	if s.Turns != nil {
		out.Turns = make([]Turn, len(s.Turns))
		copy(out.Turns, s.Turns)
	}
	return out
}
