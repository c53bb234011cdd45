package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/storage"
)

var sessionCols = []string{
	"id", "access_token", "refresh_token", "expires_at", "expires_refresh_at", "user_id",
	"ip_address", "original_ip_address", "user_agent", "is_proxy", "created_at", "updated_at",
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestCreateSession(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	now := time.Now()
	original := "10.0.0.1"
	s := &models.SessionToken{
		AccessToken:       "access",
		RefreshToken:      "refresh",
		ExpiresAt:         now.Add(15 * time.Minute),
		ExpiresRefreshAt:  now.Add(time.Hour),
		UserID:            uuid.New(),
		IPAddress:         "1.1.1.1",
		OriginalIPAddress: &original,
		UserAgent:         "ua",
		IsProxy:           true,
	}

	mock.ExpectQuery(`^INSERT INTO session_tokens`).
		WithArgs("access", "refresh", s.ExpiresAt, s.ExpiresRefreshAt, sqlmock.AnyArg(), "1.1.1.1", "10.0.0.1", "ua", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	id, err := repo.CreateSession(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), s.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_DBError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`^INSERT INTO session_tokens`).WillReturnError(errors.New("db down"))

	_, err := repo.CreateSession(context.Background(), &models.SessionToken{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestFindByAccessToken(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	now := time.Now()
	userID := uuid.New()
	mock.ExpectQuery(`FROM session_tokens s WHERE s\.access_token = \$1 AND s\.expires_at > \$2`).
		WithArgs("access", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			int64(1), "access", "refresh", now.Add(time.Minute), now.Add(time.Hour), userID.String(),
			"1.1.1.1", nil, "ua", false, now, now,
		))

	got, err := repo.FindByAccessToken(context.Background(), "access", true)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	assert.Nil(t, got.OriginalIPAddress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByAccessToken_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`FROM session_tokens s WHERE s\.access_token = \$1$`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByAccessToken(context.Background(), "missing", false)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestFindByRefreshToken_ResolvesUser(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	now := time.Now()
	userID := uuid.New()
	cols := append(append([]string{}, sessionCols...), "u_id", "username", "password_hash", "role", "u_created_at", "u_updated_at")
	mock.ExpectQuery(`JOIN users u ON u\.id = s\.user_id WHERE s\.refresh_token = \$1 AND s\.expires_refresh_at > \$2`).
		WithArgs("refresh", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(3), "access", "refresh", now, now.Add(time.Hour), userID.String(),
			"1.1.1.1", "10.0.0.1", "ua", true, now, now,
			userID.String(), "alice", "hash", "admin", now, now,
		))

	got, err := repo.FindByRefreshToken(context.Background(), "refresh", true)
	require.NoError(t, err)
	require.NotNil(t, got.User)
	assert.Equal(t, "alice", got.User.Username)
	assert.Equal(t, models.RoleAdmin, got.User.Role)
	require.NotNil(t, got.OriginalIPAddress)
	assert.Equal(t, "10.0.0.1", *got.OriginalIPAddress)
}

func TestFindByRefreshToken_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`WHERE s\.refresh_token = \$1`).WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByRefreshToken(context.Background(), "gone", true)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestInvalidateSession(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	mock.ExpectExec(`^UPDATE session_tokens SET expires_at = LEAST\(expires_at, \$2\), expires_refresh_at = LEAST\(expires_refresh_at, \$2\)`).
		WithArgs("access", fixed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.InvalidateSession(context.Background(), "access"))
	require.NoError(t, mock.ExpectationsWereMet())
}
