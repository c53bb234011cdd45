package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/storage"
)

type PasswordHasher interface {
	Hash(password string) (string, error)
	// Compare reports whether password matches hash. An error means the hash
	// itself is unusable.
	Compare(hash, password string) (bool, error)
}

type BcryptHasher struct {
	cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

func (h *BcryptHasher) Compare(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

// CredentialVerifier checks username and password against the user store.
type CredentialVerifier struct {
	users  storage.UserRepository
	hasher PasswordHasher
	log    *zap.SugaredLogger

	dummyOnce sync.Once
	dummyHash string
}

func NewCredentialVerifier(users storage.UserRepository, hasher PasswordHasher, log *zap.SugaredLogger) *CredentialVerifier {
	return &CredentialVerifier{users: users, hasher: hasher, log: log}
}

// Verify returns the user when the credentials match. Unknown usernames still
// pay for one hash comparison so response time does not reveal which
// usernames exist.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (*models.User, error) {
	user, err := v.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			_, _ = v.hasher.Compare(v.dummy(), password)
			return nil, newAuthError(ReasonInvalidCredentials, err)
		}
		return nil, newAuthError(ReasonStorageError, err)
	}

	ok, err := v.hasher.Compare(user.PasswordHash, password)
	if err != nil {
		v.log.Errorw("Stored password hash is unusable", "userID", user.ID, "error", err)
		return nil, newAuthError(ReasonInvalidCredentials, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

func (v *CredentialVerifier) HashPassword(password string) (string, error) {
	return v.hasher.Hash(password)
}

func (v *CredentialVerifier) dummy() string {
	v.dummyOnce.Do(func() {
		hash, err := v.hasher.Hash("dummy-password-for-timing")
		if err != nil {
			v.log.Errorw("Failed to build dummy hash", "error", err)
			return
		}
		v.dummyHash = hash
	})
	return v.dummyHash
}
