package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/clientinfo"
	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/service"
	"github.com/rryowa/sessionauth/internal/util"
)

const reasonValidation = "VALIDATION_ERROR"

type Controller struct {
	zapLogger   *zap.SugaredLogger
	authService *service.AuthService
	transport   *RefreshTokenTransport
}

func NewController(logger *zap.SugaredLogger, authService *service.AuthService, transport *RefreshTokenTransport) *Controller {
	return &Controller{
		zapLogger:   logger,
		authService: authService,
		transport:   transport,
	}
}

// (GET /api/v1/ping).
func (c *Controller) CheckServer(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, models.NewResponse(nil, "pong", http.StatusOK))
}

// (POST /api/v1/auth/login).
func (c *Controller) Login(ctx echo.Context) error {
	var req models.LoginRequest
	if err := ctx.Bind(&req); err != nil {
		return util.NewResponseError(http.StatusBadRequest, reasonValidation, "invalid request body")
	}

	pair, err := c.authService.Login(ctx.Request().Context(), req.Username, req.Password, clientInfo(ctx))
	if err != nil {
		return err
	}

	c.transport.Issue(ctx, pair)
	return ctx.JSON(http.StatusOK, models.NewResponse(pair, "", http.StatusOK))
}

// (POST /api/v1/auth/register).
func (c *Controller) Register(ctx echo.Context) error {
	var req models.RegisterRequest
	if err := ctx.Bind(&req); err != nil {
		return util.NewResponseError(http.StatusBadRequest, reasonValidation, "invalid request body")
	}

	pair, err := c.authService.Register(ctx.Request().Context(), req.Username, req.Password, clientInfo(ctx))
	if err != nil {
		return err
	}

	c.transport.Issue(ctx, pair)
	return ctx.JSON(http.StatusCreated, models.NewResponse(pair, "registered", http.StatusCreated))
}

// (POST /api/v1/auth/logout).
func (c *Controller) Logout(ctx echo.Context) error {
	token, _ := ctx.Get(models.MwTokenKey).(string)
	if token == "" {
		return service.ErrTokenVerification
	}

	if err := c.authService.Logout(ctx.Request().Context(), token); err != nil {
		return err
	}

	c.transport.Clear(ctx)
	return ctx.JSON(http.StatusOK, models.NewResponse(nil, "logged out", http.StatusOK))
}

// (POST /api/v1/auth/refresh-token).
func (c *Controller) RefreshToken(ctx echo.Context) error {
	var req models.TokenRefreshRequest
	if !c.transport.usesCookie() {
		if err := ctx.Bind(&req); err != nil {
			return util.NewResponseError(http.StatusBadRequest, reasonValidation, "invalid request body")
		}
	}

	refreshToken, err := c.transport.Extract(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrBadCookieSignature) {
			c.zapLogger.Warnw("Rejected refresh cookie with bad signature", "ip", clientInfo(ctx).IPAddress)
		}
		return service.ErrInvalidOrExpiredRefreshToken
	}

	pair, err := c.authService.RefreshAccessToken(ctx.Request().Context(), refreshToken, clientInfo(ctx))
	if err != nil {
		return err
	}

	c.transport.Issue(ctx, pair)
	return ctx.JSON(http.StatusOK, models.NewResponse(pair, "access token refreshed", http.StatusOK))
}

// (GET /api/v1/users/me).
func (c *Controller) Me(ctx echo.Context) error {
	user, ok := ctx.Get(models.MwUserKey).(*models.User)
	if !ok {
		return service.ErrInvalidOrExpiredToken
	}

	me, err := c.authService.Me(ctx.Request().Context(), user.ID)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, models.NewResponse(me, "", http.StatusOK))
}

// (GET /api/v1/admin/ping).
func (c *Controller) AdminPing(ctx echo.Context) error {
	user, _ := ctx.Get(models.MwUserKey).(*models.User)
	c.zapLogger.Debugw("Admin ping", "userID", user.ID)
	return ctx.JSON(http.StatusOK, models.NewResponse(nil, "pong", http.StatusOK))
}

func clientInfo(ctx echo.Context) models.ClientInfo {
	if info, ok := ctx.Get(models.MwClientInfoKey).(models.ClientInfo); ok {
		return info
	}
	return clientinfo.FromRequest(ctx.Request())
}
