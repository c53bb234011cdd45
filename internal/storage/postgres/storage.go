package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/storage"
)

type Storage struct {
	db *sql.DB
	*UserRepository
	*SessionRepository
}

var _ storage.Storage = (*Storage)(nil)

func NewStorage(db *sql.DB) *Storage {
	return &Storage{
		db:                db,
		UserRepository:    NewUserRepository(db),
		SessionRepository: NewSessionRepository(db),
	}
}

// RotateTokensTx выполняет транзакцию по ротации токенов.
// Старая сессия истекает только если её refresh ещё жив, затем создается новая.
// Конкурентная ротация того же токена не пройдет UPDATE и получит ErrSessionNotFound.
func (s *Storage) RotateTokensTx(ctx context.Context, oldAccessToken string, next *models.SessionToken) (int64, error) {
	var id int64
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx storage.DBTX) error {
		sessionRepoTx := NewSessionRepository(tx)
		sessionRepoTx.now = s.SessionRepository.now

		consumed, err := sessionRepoTx.consumeSession(ctx, oldAccessToken)
		if err != nil {
			return fmt.Errorf("failed to invalidate session in tx: %w", err)
		}
		if !consumed {
			return storage.ErrSessionNotFound
		}

		id, err = sessionRepoTx.CreateSession(ctx, next)
		if err != nil {
			return fmt.Errorf("failed to create new session in tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
