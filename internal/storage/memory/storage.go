package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/storage"
)

// Storage keeps users and sessions in process memory. A single mutex guards
// both maps so that rotation is atomic with respect to concurrent refreshes.
type Storage struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]models.User
	byName   map[string]uuid.UUID
	sessions map[int64]*models.SessionToken
	byAccess map[string]int64
	nextID   int64
	now      func() time.Time
	log      *zap.SugaredLogger
}

var _ storage.Storage = (*Storage)(nil)

func NewStorage(log *zap.SugaredLogger) *Storage {
	return &Storage{
		users:    make(map[uuid.UUID]models.User),
		byName:   make(map[string]uuid.UUID),
		sessions: make(map[int64]*models.SessionToken),
		byAccess: make(map[string]int64),
		now:      time.Now,
		log:      log,
	}
}

// WithClock replaces the time source used for expiry predicates.
func (m *Storage) WithClock(now func() time.Time) *Storage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *Storage) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[user.Username]; ok {
		return nil, fmt.Errorf("username %q: %w", user.Username, storage.ErrUserExists)
	}

	created := *user
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	if created.Role == "" {
		created.Role = models.RoleUser
	}
	now := m.now()
	created.CreatedAt, created.UpdatedAt = now, now

	m.users[created.ID] = created
	m.byName[created.Username] = created.ID
	m.log.Debugw("User created", "userID", created.ID, "username", created.Username)

	return &created, nil
}

func (m *Storage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := m.users[id]
	return &u, nil
}

func (m *Storage) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &u, nil
}

func (m *Storage) CreateSession(ctx context.Context, session *models.SessionToken) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.insertLocked(session)
}

func (m *Storage) FindByAccessToken(ctx context.Context, accessToken string, onlyActive bool) (*models.SessionToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byAccess[accessToken]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	s := m.sessions[id]
	if onlyActive && !s.AccessActiveAt(m.now()) {
		return nil, storage.ErrSessionNotFound
	}
	return m.copyLocked(s, false), nil
}

func (m *Storage) FindByRefreshToken(ctx context.Context, refreshToken string, onlyActive bool) (*models.SessionToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	m.log.Debugw("Attempting to get session by refresh token")
	now := m.now()
	var found *models.SessionToken
	for _, s := range m.sessions {
		if s.RefreshToken != refreshToken {
			continue
		}
		if onlyActive && !s.RefreshActiveAt(now) {
			continue
		}
		if found == nil || s.ID > found.ID {
			found = s
		}
	}
	if found == nil {
		return nil, storage.ErrSessionNotFound
	}
	return m.copyLocked(found, true), nil
}

func (m *Storage) InvalidateSession(ctx context.Context, accessToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byAccess[accessToken]
	if !ok {
		return nil
	}
	m.expireLocked(m.sessions[id], m.now())
	return nil
}

func (m *Storage) RotateTokensTx(ctx context.Context, oldAccessToken string, next *models.SessionToken) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id, ok := m.byAccess[oldAccessToken]
	if !ok || !m.sessions[id].RefreshActiveAt(now) {
		return 0, storage.ErrSessionNotFound
	}
	if _, taken := m.byAccess[next.AccessToken]; taken {
		return 0, fmt.Errorf("access token already stored")
	}

	m.expireLocked(m.sessions[id], now)
	return m.insertLocked(next)
}

func (m *Storage) insertLocked(session *models.SessionToken) (int64, error) {
	if _, taken := m.byAccess[session.AccessToken]; taken {
		return 0, fmt.Errorf("access token already stored")
	}

	m.nextID++
	now := m.now()
	session.ID = m.nextID
	session.CreatedAt, session.UpdatedAt = now, now

	stored := *session
	stored.User = nil
	m.sessions[stored.ID] = &stored
	m.byAccess[stored.AccessToken] = stored.ID
	m.log.Debugw("Session created", "sessionID", stored.ID, "userID", stored.UserID)

	return stored.ID, nil
}

func (m *Storage) expireLocked(s *models.SessionToken, now time.Time) {
	if s.ExpiresAt.After(now) {
		s.ExpiresAt = now
	}
	if s.ExpiresRefreshAt.After(now) {
		s.ExpiresRefreshAt = now
	}
	s.UpdatedAt = now
}

func (m *Storage) copyLocked(s *models.SessionToken, withUser bool) *models.SessionToken {
	out := *s
	if withUser {
		if u, ok := m.users[s.UserID]; ok {
			out.User = &u
		}
	}
	return &out
}
