package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/rryowa/sessionauth/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Storage interface {
	UserRepository
	SessionRepository

	// RotateTokensTx invalidates the session holding oldAccessToken and inserts
	// next as one unit. The old row must still have a live refresh expiry;
	// otherwise nothing is written and ErrSessionNotFound is returned.
	RotateTokensTx(ctx context.Context, oldAccessToken string, next *models.SessionToken) (int64, error)
}

type UserRepository interface {
	// CreateUser returns ErrUserExists when the username is taken.
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.SessionToken) (int64, error)
	// FindByAccessToken with onlyActive set ignores rows whose access expiry has passed.
	FindByAccessToken(ctx context.Context, accessToken string, onlyActive bool) (*models.SessionToken, error)
	// FindByRefreshToken resolves the owning User. With onlyActive set it
	// ignores rows whose refresh expiry has passed.
	FindByRefreshToken(ctx context.Context, refreshToken string, onlyActive bool) (*models.SessionToken, error)
	// InvalidateSession sets both expiries to now. Unknown tokens are a no-op.
	InvalidateSession(ctx context.Context, accessToken string) error
}
