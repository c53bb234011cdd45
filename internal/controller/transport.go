package controller

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/util"
)

const refreshCookiePath = "/api/v1/auth"

var ErrBadCookieSignature = errors.New("refresh cookie signature mismatch")

// RefreshTokenTransport moves refresh tokens between the client and the
// server. In header mode the token travels in X-Refresh-Token or the JSON
// body; in cookie mode it lives in an HttpOnly cookie signed with HMAC-SHA256.
type RefreshTokenTransport struct {
	mode   util.RefreshTransport
	name   string
	secret []byte
	secure bool
}

func NewRefreshTokenTransport(cfg *util.CookieConfig) *RefreshTokenTransport {
	return &RefreshTokenTransport{
		mode:   cfg.Transport,
		name:   cfg.Name,
		secret: cfg.Secret,
		secure: cfg.Secure,
	}
}

func (t *RefreshTokenTransport) usesCookie() bool {
	return t.mode == util.TransportCookie
}

// Extract returns the refresh token presented with the request. bodyToken is
// the refresh_token field of the JSON body, if any.
func (t *RefreshTokenTransport) Extract(ctx echo.Context, bodyToken string) (string, error) {
	if !t.usesCookie() {
		if token := strings.TrimSpace(ctx.Request().Header.Get(models.RefreshTokenHeader)); token != "" {
			return token, nil
		}
		return strings.TrimSpace(bodyToken), nil
	}

	cookie, err := ctx.Cookie(t.name)
	if err != nil || cookie.Value == "" {
		return "", nil
	}

	token, ok := t.unsign(cookie.Value)
	if !ok {
		t.Clear(ctx)
		return "", ErrBadCookieSignature
	}
	return token, nil
}

// Issue hands a freshly issued refresh token to the client.
func (t *RefreshTokenTransport) Issue(ctx echo.Context, pair *models.TokenPairResponse) {
	if !t.usesCookie() {
		return
	}
	ctx.SetCookie(&http.Cookie{
		Name:     t.name,
		Value:    t.sign(pair.RefreshToken),
		Path:     refreshCookiePath,
		Expires:  pair.RefreshTokenExpiresAt,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (t *RefreshTokenTransport) Clear(ctx echo.Context) {
	if !t.usesCookie() {
		return
	}
	ctx.SetCookie(&http.Cookie{
		Name:     t.name,
		Value:    "",
		Path:     refreshCookiePath,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// sign appends a base64url HMAC of value after the last dot.
func (t *RefreshTokenTransport) sign(value string) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(t.mac(value))
}

func (t *RefreshTokenTransport) unsign(signed string) (string, bool) {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 {
		return "", false
	}
	value, sig := signed[:i], signed[i+1:]

	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, t.mac(value)) {
		return "", false
	}
	return value, true
}

func (t *RefreshTokenTransport) mac(value string) []byte {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(value))
	return h.Sum(nil)
}
