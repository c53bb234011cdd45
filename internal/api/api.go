package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	middleware "github.com/oapi-codegen/echo-middleware"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/controller"
	"github.com/rryowa/sessionauth/internal/metrics"
	"github.com/rryowa/sessionauth/internal/models"
	"github.com/rryowa/sessionauth/internal/service"
	"github.com/rryowa/sessionauth/internal/util"
)

const (
	shutdownTimeout = 5 * time.Second
	apiPrefix       = "/api/"
	BaseURL         = "/api/v1"
)

type API struct {
	server          *echo.Echo
	controller      *controller.Controller
	authService     *service.AuthService
	limiter         Limiter
	metrics         *metrics.Metrics
	log             *zap.SugaredLogger
	gracefulTimeout time.Duration
}

// NewAPI builds the echo server with every route registered. limiter may be
// nil, in which case auth endpoints are not rate limited.
func NewAPI(
	c *controller.Controller,
	authService *service.AuthService,
	limiter Limiter,
	m *metrics.Metrics,
	l *zap.SugaredLogger,
	sc *util.ServerConfig,
) (*API, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.Addr = sc.ServerAddr
	e.Server.WriteTimeout = sc.WriteTimeout
	e.Server.ReadTimeout = sc.ReadTimeout
	e.Server.IdleTimeout = sc.IdleTimeout
	e.HTTPErrorHandler = ErrorHandler(l)

	a := &API{
		server:          e,
		controller:      c,
		authService:     authService,
		limiter:         limiter,
		metrics:         m,
		log:             l,
		gracefulTimeout: sc.GracefulTimeout,
	}
	if err := a.setupRoutes(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *API) setupRoutes() error {
	swagger, err := controller.GetSwagger()
	if err != nil {
		return fmt.Errorf("failed to load OpenAPI specification: %w", err)
	}
	swagger.Servers = nil

	a.server.Use(echomiddleware.Recover())
	a.server.Use(echomiddleware.RequestLoggerWithConfig(GetLoggerMiddlewareConfig(a)))
	a.server.Use(ClientInfoMiddleware())
	a.server.Use(middleware.OapiRequestValidatorWithOptions(swagger, &middleware.Options{
		Options: openapi3filter.Options{
			// bearer tokens are checked by the route guards
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
		Skipper: func(c echo.Context) bool {
			return !strings.HasPrefix(c.Request().URL.Path, apiPrefix)
		},
	}))

	if a.metrics != nil {
		a.server.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}

	controller.RegisterHandlersWithBaseURL(a.server, a.controller, BaseURL, controller.Guards{
		Authenticated: BearerAuth(a.authService),
		Signed:        SignedBearer(a.authService),
		UserRole:      RequireRoles(models.RoleUser, models.RoleAdmin),
		AdminRole:     RequireRoles(models.RoleAdmin),
		RateLimit:     RateLimit(a.limiter, a.metrics, a.log),
	})
	return nil
}

// Handler exposes the configured router, mainly for tests.
func (a *API) Handler() http.Handler {
	return a.server
}

func (a *API) Run(ctxBackground context.Context) {
	ctx, stop := signal.NotifyContext(ctxBackground, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.ListenGracefulShutdown(ctx)
}

func (a *API) ListenGracefulShutdown(ctx context.Context) {
	go func() {
		err := a.server.Start(a.server.Server.Addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()
	a.log.Infof("Listening on: %s", a.server.Server.Addr)

	<-ctx.Done()
	a.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Errorf("shutdown: %v", err)
	}

	longShutdown := make(chan struct{}, 1)

	go func() {
		time.Sleep(a.gracefulTimeout)
		longShutdown <- struct{}{}
	}()

	select {
	case <-shutdownCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			a.log.Info("server shutdown completed")
		} else {
			a.log.Errorf("server shutdown: %v", ctx.Err())
		}
	case <-longShutdown:
		a.log.Infof("finished")
	}
}
