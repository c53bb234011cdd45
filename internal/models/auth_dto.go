package models

import "time"

//nolint:gosec //file not handles sensitive data
const (
	MwUserKey       = "user"
	MwTokenKey      = "token"
	MwClientInfoKey = "client_info"

	RefreshTokenHeader = "X-Refresh-Token"
	AccessTokenQuery   = "access-token"
)

// ClientInfo is the fingerprint of the client that issued a request.
type ClientInfo struct {
	IPAddress         string  `json:"ip_address"`
	OriginalIPAddress *string `json:"original_ip_address,omitempty"`
	UserAgent         string  `json:"user_agent"`
	IsProxy           bool    `json:"is_proxy"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenPairResponse struct {
	AccessToken           string    `json:"access_token"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

type MeResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is the envelope every successful handler writes.
type Response struct {
	Data       any    `json:"data"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

func NewResponse(data any, message string, status int) Response {
	if message == "" {
		message = "ok"
	}
	return Response{Data: data, Message: message, StatusCode: status}
}

// FingerprintMismatch is the webhook payload sent when a refresh request
// comes from a different client than the one the session was issued to.
type FingerprintMismatch struct {
	UserID       string `json:"user_id"`
	SessionID    int64  `json:"session_id"`
	OldIP        string `json:"old_ip"`
	NewIP        string `json:"new_ip"`
	OldUserAgent string `json:"old_user_agent"`
	UserAgent    string `json:"user_agent"`
	Blocked      bool   `json:"blocked"`
}
