package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/util"
)

const accessTokenType = "access"

var (
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrTokenMalformed       = errors.New("token is malformed")
	ErrTokenWrongType       = errors.New("token is not an access token")
	ErrInvalidUserID        = errors.New("invalid userID")
	ErrInvalidSigningMethod = errors.New("invalid signing method")
)

type TokenService struct {
	jwtSecretKey []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	now          func() time.Time
}

func NewTokenService(cfg *util.TokenConfig) *TokenService {
	return &TokenService{
		jwtSecretKey: cfg.JwtSecretKey,
		issuer:       cfg.Issuer,
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		now:          time.Now,
	}
}

func (ts *TokenService) AccessTTL() time.Duration  { return ts.accessTTL }
func (ts *TokenService) RefreshTTL() time.Duration { return ts.refreshTTL }

// AccessPayload is what an access token asserts about its holder.
type AccessPayload struct {
	UserID   uuid.UUID
	Username string
	Roles    []models.Role
	TokenID  string
}

type AccessClaims struct {
	Username string        `json:"username"`
	Roles    []models.Role `json:"roles"`
	Type     string        `json:"typ"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidUserID
	}
	return id, nil
}

// CreateAccessToken создает HS512 signed access токен, живущий accessTTL от now.
func (ts *TokenService) CreateAccessToken(p AccessPayload, now time.Time) (string, time.Time, error) {
	if p.TokenID == "" {
		p.TokenID = uuid.NewString()
	}
	expiresAt := now.Add(ts.accessTTL)

	claims := &AccessClaims{
		Username: p.Username,
		Roles:    p.Roles,
		Type:     accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.TokenID,
			Subject:   p.UserID.String(),
			Issuer:    ts.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signedToken, err := token.SignedString(ts.jwtSecretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signed string: %w", err)
	}

	return signedToken, expiresAt, nil
}

// ParseAccessToken verifies signature, issuer, expiry and token type. There is
// no leeway: a token is rejected the second its exp passes.
func (ts *TokenService) ParseAccessToken(token string) (*AccessClaims, error) {
	claims, err := ts.parse(token,
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(ts.now),
	)
	if err != nil {
		return nil, err
	}

	if claims.Type != accessTokenType {
		return nil, ErrTokenWrongType
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}

	return claims, nil
}

// VerifySignature checks only that the token was signed by this service.
// Expired tokens pass; logout relies on this to stay idempotent.
func (ts *TokenService) VerifySignature(token string) (*AccessClaims, error) {
	claims, err := ts.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	if claims.Issuer != ts.issuer {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (ts *TokenService) parse(token string, extra ...jwt.ParserOption) (*AccessClaims, error) {
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
	}, extra...)

	parsedToken, err := jwt.ParseWithClaims(
		token,
		&AccessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS512.Alg() {
				return nil, ErrInvalidSigningMethod
			}
			return ts.jwtSecretKey, nil
		},
		opts...,
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
	}

	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || !parsedToken.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// CreateRefreshToken returns an opaque token: a random UUID and 32 random
// bytes, URL-safe. The server never parses it.
func (ts *TokenService) CreateRefreshToken() (string, error) {
	raw := make([]byte, util.RefreshTokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate uuid: %w", err)
	}

	return id.String() + "." + base64.RawURLEncoding.EncodeToString(raw), nil
}
