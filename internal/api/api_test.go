package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/rryowa/sessionauth/internal/controller"
	"github.com/rryowa/sessionauth/internal/metrics"
	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/service"
	"github.com/rryowa/sessionauth/internal/storage/memory"
	"github.com/rryowa/sessionauth/internal/util"
)

const testUA = "api-test/1.0"

type envelope[T any] struct {
	Data       T      `json:"data"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

type testServer struct {
	api   *API
	store *memory.Storage
}

type testOptions struct {
	transport util.RefreshTransport
	limiter   Limiter
}

func newTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()
	if opts.transport == "" {
		opts.transport = util.TransportHeader
	}

	log := zap.NewNop().Sugar()
	store := memory.NewStorage(log)
	m := metrics.New()
	tokens := service.NewTokenService(&util.TokenConfig{
		JwtSecretKey: []byte("api-test-secret"),
		Issuer:       "sessionauth",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   7 * 24 * time.Hour,
	})
	svc := service.NewAuthService(tokens, store, service.NewBcryptHasher(bcrypt.MinCost), nil, m,
		util.SessionConfig{Binding: util.BindingStrict}, log)
	transport := controller.NewRefreshTokenTransport(&util.CookieConfig{
		Transport: opts.transport,
		Name:      "refresh_token",
		Secret:    []byte("cookie-secret"),
	})

	a, err := NewAPI(controller.NewController(log, svc, transport), svc, opts.limiter, m, log, &util.ServerConfig{ServerAddr: ":0"})
	require.NoError(t, err)

	return &testServer{api: a, store: store}
}

type request struct {
	method  string
	path    string
	body    string
	headers map[string]string
	cookies []*http.Cookie
}

func (s *testServer) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	if r.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", testUA)
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	for _, c := range r.cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, username, password string) models.TokenPairResponse {
	t.Helper()
	rec := s.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   `{"username":"` + username + `","password":"` + password + `"}`,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodePair(t, rec)
}

func (s *testServer) login(t *testing.T, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/login",
		body:   `{"username":"` + username + `","password":"` + password + `"}`,
	})
}

func decodePair(t *testing.T, rec *httptest.ResponseRecorder) models.TokenPairResponse {
	t.Helper()
	var env envelope[models.TokenPairResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.Data.AccessToken)
	require.NotEmpty(t, env.Data.RefreshToken)
	return env.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) controller.ErrorResponse {
	t.Helper()
	var body controller.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func bearer(token string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token}
}

func TestPing(t *testing.T) {
	s := newTestServer(t, testOptions{})

	rec := s.do(t, request{method: http.MethodGet, path: "/api/v1/ping"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginMeLogout(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.register(t, "alice", "correct-horse")

	rec := s.login(t, "alice", "correct-horse")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pair := decodePair(t, rec)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), pair.ExpiresAt, 2*time.Second)

	rec = s.do(t, request{method: http.MethodGet, path: "/api/v1/users/me", headers: bearer(pair.AccessToken)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var me envelope[models.MeResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "alice", me.Data.Username)
	assert.Equal(t, models.RoleUser, me.Data.Role)
	assert.Equal(t, http.StatusOK, me.StatusCode)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout", headers: bearer(pair.AccessToken)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, request{method: http.MethodGet, path: "/api/v1/users/me", headers: bearer(pair.AccessToken)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(service.ReasonInvalidOrExpiredToken), decodeError(t, rec).Reason)

	// logging out twice is fine
	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout", headers: bearer(pair.AccessToken)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogout_RejectsBadTokens(t *testing.T) {
	s := newTestServer(t, testOptions{})

	rec := s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, reasonMissingToken, decodeError(t, rec).Reason)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout", headers: bearer("not-a-jwt")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(service.ReasonTokenVerificationError), decodeError(t, rec).Reason)
}

func TestLogin_Failures(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.register(t, "alice", "correct-horse")

	rec := s.login(t, "alice", "wrong-horse")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(service.ReasonInvalidCredentials), body.Reason)
	assert.Equal(t, "Invalid user credentials", body.Message)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/login", body: `{"username":"alice"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Reason)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/register", body: `{"username":"bob","password":"abc"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegister_UsernameTaken(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.register(t, "alice", "correct-horse")

	rec := s.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   `{"username":"alice","password":"another-one"}`,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(service.ReasonUsernameTaken), decodeError(t, rec).Reason)
}

func TestRefresh_HeaderTransport(t *testing.T) {
	s := newTestServer(t, testOptions{})
	pair := s.register(t, "alice", "correct-horse")

	rec := s.do(t, request{
		method:  http.MethodPost,
		path:    "/api/v1/auth/refresh-token",
		headers: map[string]string{models.RefreshTokenHeader: pair.RefreshToken},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decodePair(t, rec)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	rec = s.do(t, request{
		method:  http.MethodPost,
		path:    "/api/v1/auth/refresh-token",
		headers: map[string]string{models.RefreshTokenHeader: pair.RefreshToken},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(service.ReasonInvalidOrExpiredRefreshToken), decodeError(t, rec).Reason)

	rec = s.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/refresh-token",
		body:   `{"refresh_token":"` + next.RefreshToken + `"}`,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRefresh_FingerprintMismatch(t *testing.T) {
	s := newTestServer(t, testOptions{})
	pair := s.register(t, "alice", "correct-horse")

	rec := s.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/refresh-token",
		headers: map[string]string{
			models.RefreshTokenHeader: pair.RefreshToken,
			"User-Agent":              "stolen-device",
		},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(service.ReasonSessionValidationFailed), decodeError(t, rec).Reason)
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRefresh_CookieTransport(t *testing.T) {
	s := newTestServer(t, testOptions{transport: util.TransportCookie})
	s.register(t, "alice", "correct-horse")

	rec := s.login(t, "alice", "correct-horse")
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decodePair(t, rec)

	cookie := findCookie(rec, "refresh_token")
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, strings.HasPrefix(cookie.Value, pair.RefreshToken+"."))

	// the header is ignored in cookie mode
	rec = s.do(t, request{
		method:  http.MethodPost,
		path:    "/api/v1/auth/refresh-token",
		headers: map[string]string{models.RefreshTokenHeader: pair.RefreshToken},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tampered := *cookie
	tampered.Value = pair.RefreshToken + ".AAAA"
	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", cookies: []*http.Cookie{&tampered}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	cleared := findCookie(rec, "refresh_token")
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)

	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/refresh-token", cookies: []*http.Cookie{cookie}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	next := decodePair(t, rec)
	require.NotNil(t, findCookie(rec, "refresh_token"))

	rec = s.do(t, request{method: http.MethodPost, path: "/api/v1/auth/logout", headers: bearer(next.AccessToken)})
	require.Equal(t, http.StatusOK, rec.Code)
	cleared = findCookie(rec, "refresh_token")
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestMe_TokenSources(t *testing.T) {
	s := newTestServer(t, testOptions{})
	pair := s.register(t, "alice", "correct-horse")

	rec := s.do(t, request{method: http.MethodGet, path: "/api/v1/users/me?access-token=" + pair.AccessToken})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, request{method: http.MethodGet, path: "/api/v1/users/me"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, reasonMissingToken, decodeError(t, rec).Reason)

	rec = s.do(t, request{
		method:  http.MethodGet,
		path:    "/api/v1/users/me",
		headers: map[string]string{echo.HeaderAuthorization: "Basic abc"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(service.ReasonTokenVerificationError), decodeError(t, rec).Reason)
}

func TestAdminPing_Roles(t *testing.T) {
	s := newTestServer(t, testOptions{})
	user := s.register(t, "alice", "correct-horse")

	rec := s.do(t, request{method: http.MethodGet, path: "/api/v1/admin/ping", headers: bearer(user.AccessToken)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, reasonForbidden, decodeError(t, rec).Reason)

	hash, err := bcrypt.GenerateFromPassword([]byte("root-password"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = s.store.CreateUser(context.Background(), &models.User{
		Username:     "root",
		PasswordHash: string(hash),
		Role:         models.RoleAdmin,
	})
	require.NoError(t, err)

	rec = s.login(t, "root", "root-password")
	require.Equal(t, http.StatusOK, rec.Code)
	admin := decodePair(t, rec)

	rec = s.do(t, request{method: http.MethodGet, path: "/api/v1/admin/ping", headers: bearer(admin.AccessToken)})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, request{method: http.MethodGet, path: "/api/v1/users/me", headers: bearer(admin.AccessToken)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

type stubLimiter struct {
	allowed bool
	retry   time.Duration
	err     error
	keys    []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.keys = append(l.keys, key)
	return l.allowed, l.retry, l.err
}

func TestRateLimit(t *testing.T) {
	limiter := &stubLimiter{allowed: false, retry: 1500 * time.Millisecond}
	s := newTestServer(t, testOptions{limiter: limiter})

	rec := s.do(t, request{
		method:  http.MethodPost,
		path:    "/api/v1/auth/login",
		body:    `{"username":"alice","password":"correct-horse"}`,
		headers: map[string]string{"X-Real-IP": "203.0.113.7"},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, reasonRateLimited, decodeError(t, rec).Reason)
	assert.Equal(t, []string{"203.0.113.7"}, limiter.keys)

	// ping is not limited
	rec = s.do(t, request{method: http.MethodGet, path: "/api/v1/ping"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	s := newTestServer(t, testOptions{limiter: &stubLimiter{err: errors.New("redis down")}})

	rec := s.do(t, request{
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   `{"username":"alice","password":"correct-horse"}`,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.register(t, "alice", "correct-horse")

	rec := s.do(t, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sessionauth_auth_operations_total{operation="register",outcome="success"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, testOptions{})

	rec := s.do(t, request{method: http.MethodGet, path: "/api/v1/nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
