package api

import (
	"context"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/clientinfo"
	"github.com/rryowa/sessionauth/internal/metrics"
	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/service"
	"github.com/rryowa/sessionauth/internal/util"
)

const (
	reasonMissingToken = "MISSING_TOKEN"
	reasonForbidden    = "FORBIDDEN"
	reasonRateLimited  = "TOO_MANY_REQUESTS"
)

// Limiter decides whether a client key may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// ClientInfoMiddleware stores the request's client fingerprint in the context.
func ClientInfoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(models.MwClientInfoKey, clientinfo.FromRequest(c.Request()))
			return next(c)
		}
	}
}

// BearerAuth требует access токен с живой сессией и кладет пользователя в контекст.
func BearerAuth(authService *service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := extractAccessToken(c)
			if err != nil {
				return err
			}

			user, err := authService.ValidateAccessToken(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(models.MwUserKey, user)
			c.Set(models.MwTokenKey, token)
			return next(c)
		}
	}
}

// SignedBearer accepts any access token signed by this service, even one whose
// session is already closed.
func SignedBearer(authService *service.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := extractAccessToken(c)
			if err != nil {
				return err
			}

			if err := authService.VerifyAccessSignature(token); err != nil {
				return err
			}

			c.Set(models.MwTokenKey, token)
			return next(c)
		}
	}
}

// RequireRoles must run after BearerAuth.
func RequireRoles(roles ...models.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get(models.MwUserKey).(*models.User)
			if !ok {
				return util.NewResponseError(http.StatusUnauthorized, reasonMissingToken, "You should login first")
			}
			if !slices.Contains(roles, user.Role) {
				return util.NewResponseError(http.StatusForbidden, reasonForbidden, "You are not allowed to access this route")
			}
			return next(c)
		}
	}
}

// RateLimit counts requests per client IP. A nil limiter disables it; limiter
// failures let the request through.
func RateLimit(limiter Limiter, m *metrics.Metrics, log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if limiter == nil {
			return next
		}
		return func(c echo.Context) error {
			ip := clientIP(c)

			allowed, retryAfter, err := limiter.Allow(c.Request().Context(), ip)
			if err != nil {
				log.Errorw("Rate limiter unavailable", "ip", ip, "error", err)
				return next(c)
			}
			if !allowed {
				m.ObserveRateLimited()
				log.Warnw("Rate limit exceeded", "ip", ip, "retryAfter", retryAfter)
				seconds := int(math.Ceil(retryAfter.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
				return util.NewResponseError(http.StatusTooManyRequests, reasonRateLimited, "Too many requests, retry in %d seconds", seconds)
			}
			return next(c)
		}
	}
}

func clientIP(c echo.Context) string {
	if info, ok := c.Get(models.MwClientInfoKey).(models.ClientInfo); ok {
		return info.IPAddress
	}
	return clientinfo.FromRequest(c.Request()).IPAddress
}

// extractAccessToken reads "Authorization: Bearer <token>", falling back to
// the access-token query parameter.
func extractAccessToken(c echo.Context) (string, error) {
	if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", service.ErrTokenVerification
		}
		return token, nil
	}

	var token string
	err := runtime.BindQueryParameter("form", true, false, models.AccessTokenQuery, c.QueryParams(), &token)
	if err != nil {
		return "", util.NewResponseError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid %s parameter", models.AccessTokenQuery)
	}
	if token == "" {
		return "", util.NewResponseError(http.StatusUnauthorized, reasonMissingToken, "You should login first")
	}
	return token, nil
}

func GetLoggerMiddlewareConfig(a *API) echomiddleware.RequestLoggerConfig {
	return echomiddleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogError:    true,
		LogLatency:  true,
		LogRemoteIP: true,
		HandleError: true,

		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := []interface{}{
				"method", c.Request().Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"ip", clientIP(c),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
				a.log.Errorw("Request", fields...)
			} else {
				a.log.Infow("Request", fields...)
			}
			return nil
		},
	}
}
