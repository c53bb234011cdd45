package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/metrics"
	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/storage"
	"github.com/rryowa/sessionauth/internal/util"
)

const (
	opLogin    = "login"
	opRegister = "register"
	opLogout   = "logout"
	opRefresh  = "refresh"
	opValidate = "validate"
)

type FingerprintNotifier interface {
	NotifyFingerprintMismatch(ctx context.Context, event models.FingerprintMismatch)
}

type AuthService struct {
	storage       storage.Storage
	tokens        *TokenService
	credentials   *CredentialVerifier
	notifier      FingerprintNotifier
	metrics       *metrics.Metrics
	strictBinding bool
	log           *zap.SugaredLogger
	now           func() time.Time
}

func NewAuthService(
	tokens *TokenService,
	st storage.Storage,
	hasher PasswordHasher,
	notifier FingerprintNotifier,
	m *metrics.Metrics,
	sessionCfg util.SessionConfig,
	log *zap.SugaredLogger,
) *AuthService {
	return &AuthService{
		storage:       st,
		tokens:        tokens,
		credentials:   NewCredentialVerifier(st, hasher, log),
		notifier:      notifier,
		metrics:       m,
		strictBinding: sessionCfg.Strict(),
		log:           log,
		now:           time.Now,
	}
}

func (s *AuthService) Login(ctx context.Context, username, password string, client models.ClientInfo) (*models.TokenPairResponse, error) {
	pair, err := s.login(ctx, username, password, client)
	s.observe(opLogin, err)
	return pair, err
}

func (s *AuthService) login(ctx context.Context, username, password string, client models.ClientInfo) (*models.TokenPairResponse, error) {
	user, err := s.credentials.Verify(ctx, username, password)
	if err != nil {
		s.log.Infow("Login rejected", "username", username, "ip", client.IPAddress, "error", err)
		return nil, err
	}

	pair, err := s.issueTokens(ctx, user, client)
	if err != nil {
		s.log.Errorw("Failed to issue tokens", "userID", user.ID, "error", err)
		return nil, newAuthError(ReasonTokenGenerationFailed, err)
	}

	s.log.Infow("User logged in", "userID", user.ID, "ip", client.IPAddress)
	return pair, nil
}

func (s *AuthService) Register(ctx context.Context, username, password string, client models.ClientInfo) (*models.TokenPairResponse, error) {
	pair, err := s.register(ctx, username, password, client)
	s.observe(opRegister, err)
	return pair, err
}

func (s *AuthService) register(ctx context.Context, username, password string, client models.ClientInfo) (*models.TokenPairResponse, error) {
	_, err := s.storage.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		return nil, ErrUsernameTaken
	case !errors.Is(err, storage.ErrUserNotFound):
		s.log.Errorw("Failed to check username", "username", username, "error", err)
		return nil, newAuthError(ReasonStorageError, err)
	}

	hash, err := s.credentials.HashPassword(password)
	if err != nil {
		s.log.Errorw("Failed to hash password", "error", err)
		return nil, newAuthError(ReasonStorageError, err)
	}

	user, err := s.storage.CreateUser(ctx, &models.User{
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleUser,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return nil, newAuthError(ReasonUsernameTaken, err)
		}
		s.log.Errorw("Failed to create user", "username", username, "error", err)
		return nil, newAuthError(ReasonStorageError, err)
	}

	pair, err := s.issueTokens(ctx, user, client)
	if err != nil {
		s.log.Errorw("Failed to issue tokens", "userID", user.ID, "error", err)
		return nil, newAuthError(ReasonTokenGenerationFailed, err)
	}

	s.log.Infow("User registered", "userID", user.ID, "username", user.Username)
	return pair, nil
}

// Logout expires the session bound to accessToken. Unknown or already expired
// tokens succeed.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	var err error
	if err = s.storage.InvalidateSession(ctx, accessToken); err != nil {
		s.log.Errorw("Failed to invalidate session", "error", err)
		err = newAuthError(ReasonStorageError, err)
	}
	s.observe(opLogout, err)
	return err
}

// RefreshAccessToken exchanges a live refresh token for a new pair. The old
// session is expired and the new one stored in a single transaction, so of
// several concurrent calls with the same token at most one succeeds.
func (s *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string, client models.ClientInfo) (*models.TokenPairResponse, error) {
	pair, err := s.refresh(ctx, refreshToken, client)
	s.observe(opRefresh, err)
	return pair, err
}

func (s *AuthService) refresh(ctx context.Context, refreshToken string, client models.ClientInfo) (*models.TokenPairResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrInvalidOrExpiredRefreshToken
	}

	session, err := s.storage.FindByRefreshToken(ctx, refreshToken, true)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, newAuthError(ReasonInvalidOrExpiredRefreshToken, err)
		}
		s.log.Errorw("Failed to look up refresh token", "error", err)
		return nil, newAuthError(ReasonStorageError, err)
	}
	if session.User == nil {
		return nil, ErrInvalidOrExpiredRefreshToken
	}

	if fingerprintChanged(session, client) {
		if err := s.onFingerprintMismatch(ctx, session, client); err != nil {
			return nil, err
		}
	}

	next, pair, err := s.newSession(session.User, client)
	if err != nil {
		s.log.Errorw("Failed to build tokens", "userID", session.UserID, "error", err)
		return nil, newAuthError(ReasonTokenGenerationFailed, err)
	}

	if _, err := s.storage.RotateTokensTx(ctx, session.AccessToken, next); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.log.Infow("Refresh token already used", "sessionID", session.ID, "userID", session.UserID)
			return nil, newAuthError(ReasonInvalidOrExpiredRefreshToken, err)
		}
		s.log.Errorw("Failed to rotate tokens", "sessionID", session.ID, "error", err)
		return nil, newAuthError(ReasonTokenGenerationFailed, err)
	}

	s.log.Infow("Tokens refreshed", "userID", session.UserID, "oldSessionID", session.ID)
	return pair, nil
}

// ValidateAccessToken returns the user bound to a live access token. The
// token must verify cryptographically and its session must be unexpired.
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*models.User, error) {
	user, err := s.validate(ctx, accessToken)
	s.observe(opValidate, err)
	return user, err
}

func (s *AuthService) validate(ctx context.Context, accessToken string) (*models.User, error) {
	claims, err := s.tokens.ParseAccessToken(accessToken)
	if err != nil {
		return nil, newAuthError(ReasonTokenVerificationError, err)
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, newAuthError(ReasonTokenVerificationError, err)
	}

	session, err := s.storage.FindByAccessToken(ctx, accessToken, true)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, newAuthError(ReasonInvalidOrExpiredToken, err)
		}
		s.log.Errorw("Failed to look up session", "userID", userID, "error", err)
		return nil, newAuthError(ReasonTokenVerificationError, err)
	}
	if session.UserID != userID {
		s.log.Warnw("Token subject does not match session owner", "subject", userID, "sessionID", session.ID)
		return nil, ErrInvalidOrExpiredToken
	}

	user, err := s.storage.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, newAuthError(ReasonInvalidOrExpiredToken, err)
		}
		return nil, newAuthError(ReasonTokenVerificationError, err)
	}

	return user, nil
}

// VerifyAccessSignature accepts any token this service signed, expired or not.
func (s *AuthService) VerifyAccessSignature(accessToken string) error {
	if _, err := s.tokens.VerifySignature(accessToken); err != nil {
		return newAuthError(ReasonTokenVerificationError, err)
	}
	return nil
}

func (s *AuthService) Me(ctx context.Context, userID uuid.UUID) (*models.MeResponse, error) {
	user, err := s.storage.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, newAuthError(ReasonInvalidOrExpiredToken, err)
		}
		return nil, newAuthError(ReasonStorageError, err)
	}

	return &models.MeResponse{
		ID:        user.ID.String(),
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}, nil
}

func (s *AuthService) issueTokens(ctx context.Context, user *models.User, client models.ClientInfo) (*models.TokenPairResponse, error) {
	session, pair, err := s.newSession(user, client)
	if err != nil {
		return nil, err
	}
	if _, err := s.storage.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *AuthService) newSession(user *models.User, client models.ClientInfo) (*models.SessionToken, *models.TokenPairResponse, error) {
	now := s.now()

	accessToken, expiresAt, err := s.tokens.CreateAccessToken(AccessPayload{
		UserID:   user.ID,
		Username: user.Username,
		Roles:    []models.Role{user.Role},
		TokenID:  uuid.NewString(),
	}, now)
	if err != nil {
		return nil, nil, err
	}

	refreshToken, err := s.tokens.CreateRefreshToken()
	if err != nil {
		return nil, nil, err
	}
	refreshExpiresAt := now.Add(s.tokens.RefreshTTL())

	session := &models.SessionToken{
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		ExpiresAt:         expiresAt,
		ExpiresRefreshAt:  refreshExpiresAt,
		UserID:            user.ID,
		IPAddress:         client.IPAddress,
		OriginalIPAddress: client.OriginalIPAddress,
		UserAgent:         client.UserAgent,
		IsProxy:           client.IsProxy,
	}

	return session, &models.TokenPairResponse{
		AccessToken:           accessToken,
		ExpiresAt:             expiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}, nil
}

func fingerprintChanged(session *models.SessionToken, client models.ClientInfo) bool {
	return session.IPAddress != client.IPAddress || session.UserAgent != client.UserAgent
}

// onFingerprintMismatch reports the event and, under strict binding, rejects
// the refresh. The old session stays usable by its rightful owner.
func (s *AuthService) onFingerprintMismatch(ctx context.Context, session *models.SessionToken, client models.ClientInfo) error {
	blocked := s.strictBinding
	s.metrics.ObserveFingerprintMismatch(blocked)

	if s.notifier != nil {
		s.notifier.NotifyFingerprintMismatch(ctx, models.FingerprintMismatch{
			UserID:       session.UserID.String(),
			SessionID:    session.ID,
			OldIP:        session.IPAddress,
			NewIP:        client.IPAddress,
			OldUserAgent: session.UserAgent,
			UserAgent:    client.UserAgent,
			Blocked:      blocked,
		})
	}

	if blocked {
		s.log.Warnw("Refresh rejected: client fingerprint changed",
			"userID", session.UserID, "sessionID", session.ID,
			"oldIP", session.IPAddress, "newIP", client.IPAddress,
		)
		return ErrSessionValidationFailed
	}

	s.log.Warnw("Client fingerprint changed on refresh",
		"userID", session.UserID, "sessionID", session.ID,
		"oldIP", session.IPAddress, "newIP", client.IPAddress,
	)
	return nil
}

func (s *AuthService) observe(op string, err error) {
	if err == nil {
		s.metrics.ObserveAuth(op, metrics.OutcomeSuccess)
		return
	}
	reason, ok := ReasonOf(err)
	if !ok {
		reason = ReasonStorageError
	}
	s.metrics.ObserveAuth(op, string(reason))
}
