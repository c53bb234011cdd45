package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionState int

const (
	SessionActive SessionState = iota
	SessionAccessExpired
	SessionInvalidated
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionAccessExpired:
		return "access_expired"
	case SessionInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// SessionToken is one issued token pair together with the client fingerprint
// observed at issuance. Rows are expired in place and never deleted.
type SessionToken struct {
	ID                int64
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
	ExpiresRefreshAt  time.Time
	UserID            uuid.UUID
	User              *User
	IPAddress         string
	OriginalIPAddress *string
	UserAgent         string
	IsProxy           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// State reports the lifecycle state at the given instant. Invalidated is
// terminal: a row whose refresh expiry has passed can never become usable again.
func (s *SessionToken) State(now time.Time) SessionState {
	switch {
	case s.ExpiresRefreshAt.After(now) && s.ExpiresAt.After(now):
		return SessionActive
	case s.ExpiresRefreshAt.After(now):
		return SessionAccessExpired
	default:
		return SessionInvalidated
	}
}

func (s *SessionToken) AccessActiveAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

func (s *SessionToken) RefreshActiveAt(now time.Time) bool {
	return s.ExpiresRefreshAt.After(now)
}
