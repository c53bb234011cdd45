package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/storage"
)

const sessionColumns = `s.id, s.access_token, s.refresh_token, s.expires_at, s.expires_refresh_at, s.user_id, s.ip_address, s.original_ip_address, s.user_agent, s.is_proxy, s.created_at, s.updated_at`

type SessionRepository struct {
	db  storage.DBTX
	now func() time.Time
}

func NewSessionRepository(db storage.DBTX) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *models.SessionToken) (int64, error) {
	query := `INSERT INTO session_tokens (access_token, refresh_token, expires_at, expires_refresh_at, user_id, ip_address, original_ip_address, user_agent, is_proxy) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(
		ctx,
		query,
		session.AccessToken,
		session.RefreshToken,
		session.ExpiresAt,
		session.ExpiresRefreshAt,
		session.UserID,
		session.IPAddress,
		nullString(session.OriginalIPAddress),
		session.UserAgent,
		session.IsProxy,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	return session.ID, nil
}

func (r *SessionRepository) FindByAccessToken(
	ctx context.Context,
	accessToken string,
	onlyActive bool,
) (*models.SessionToken, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_tokens s WHERE s.access_token = $1`
	args := []any{accessToken}
	if onlyActive {
		query += ` AND s.expires_at > $2`
		args = append(args, r.now())
	}

	var session models.SessionToken
	err := scanSession(r.db.QueryRowContext(ctx, query, args...), &session)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session by access token: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) FindByRefreshToken(
	ctx context.Context,
	refreshToken string,
	onlyActive bool,
) (*models.SessionToken, error) {
	query := `SELECT ` + sessionColumns + `, u.id, u.username, u.password_hash, u.role, u.created_at, u.updated_at FROM session_tokens s JOIN users u ON u.id = s.user_id WHERE s.refresh_token = $1`
	args := []any{refreshToken}
	if onlyActive {
		query += ` AND s.expires_refresh_at > $2`
		args = append(args, r.now())
	}

	var (
		session models.SessionToken
		user    models.User
		role    string
	)
	err := scanSession(
		r.db.QueryRowContext(ctx, query, args...),
		&session,
		&user.ID, &user.Username, &user.PasswordHash, &role, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session by refresh token: %w", err)
	}
	user.Role = models.Role(role)
	session.User = &user
	return &session, nil
}

// InvalidateSession never moves an expiry later than it already is, so
// re-invalidating keeps the original audit timestamps.
func (r *SessionRepository) InvalidateSession(ctx context.Context, accessToken string) error {
	query := `UPDATE session_tokens SET expires_at = LEAST(expires_at, $2), expires_refresh_at = LEAST(expires_refresh_at, $2), updated_at = $2 WHERE access_token = $1`
	if _, err := r.db.ExecContext(ctx, query, accessToken, r.now()); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// consumeSession is the rotation gate: it expires the row only while its
// refresh token is still live and reports whether it did.
func (r *SessionRepository) consumeSession(ctx context.Context, accessToken string) (bool, error) {
	query := `UPDATE session_tokens SET expires_at = LEAST(expires_at, $2), expires_refresh_at = $2, updated_at = $2 WHERE access_token = $1 AND expires_refresh_at > $2`
	res, err := r.db.ExecContext(ctx, query, accessToken, r.now())
	if err != nil {
		return false, fmt.Errorf("failed to consume session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func scanSession(row *sql.Row, s *models.SessionToken, extra ...any) error {
	var original sql.NullString
	dest := []any{
		&s.ID,
		&s.AccessToken,
		&s.RefreshToken,
		&s.ExpiresAt,
		&s.ExpiresRefreshAt,
		&s.UserID,
		&s.IPAddress,
		&original,
		&s.UserAgent,
		&s.IsProxy,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if original.Valid {
		s.OriginalIPAddress = &original.String
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
