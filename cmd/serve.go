package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rryowa/sessionauth/internal/api"
	"github.com/rryowa/sessionauth/internal/controller"
	"github.com/rryowa/sessionauth/internal/metrics"
	"github.com/rryowa/sessionauth/internal/migrations"
	"github.com/rryowa/sessionauth/internal/service"
	"github.com/rryowa/sessionauth/internal/storage"
	"github.com/rryowa/sessionauth/internal/storage/memory"
	"github.com/rryowa/sessionauth/internal/storage/postgres"
	redisstore "github.com/rryowa/sessionauth/internal/storage/redis"
	"github.com/rryowa/sessionauth/internal/util"
)

func newServeCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")

	return cmd
}

func serve(ctx context.Context, skipMigrations bool) error {
	logger := util.NewZapLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := util.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var cleanupFuncs []func()
	defer func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}()

	st, cleanup, err := openStorage(ctx, logger, &cfg.DB, skipMigrations)
	if err != nil {
		return err
	}
	cleanupFuncs = append(cleanupFuncs, cleanup)

	var limiter api.Limiter
	if cfg.Redis.Addr != "" {
		redisClient, redisCleanup, err := util.NewRedisClient(ctx, logger, &cfg.Redis)
		if err != nil {
			return err
		}
		cleanupFuncs = append(cleanupFuncs, redisCleanup)
		limiter = redisstore.NewRateLimiter(redisClient, &cfg.RateLimiter)
	} else {
		logger.Warn("REDIS_ADDR is not set, rate limiting is disabled")
	}

	m := metrics.New()
	tokenService := service.NewTokenService(&cfg.Token)
	webhookService := service.NewWebhookService(logger, cfg.WebhookURL)
	authService := service.NewAuthService(
		tokenService,
		st,
		service.NewBcryptHasher(util.BcryptCost),
		webhookService,
		m,
		cfg.Session,
		logger,
	)

	ctrl := controller.NewController(logger, authService, controller.NewRefreshTokenTransport(&cfg.Cookie))

	apiServer, err := api.NewAPI(ctrl, authService, limiter, m, logger, &cfg.Server)
	if err != nil {
		return err
	}

	logger.Infow("Starting server",
		"storage", cfg.DB.Driver,
		"fingerprintBinding", cfg.Session.Binding,
		"refreshTransport", cfg.Cookie.Transport,
	)
	apiServer.Run(ctx)
	return nil
}

func openStorage(ctx context.Context, logger *zap.SugaredLogger, cfg *util.DBConfig, skipMigrations bool) (storage.Storage, func(), error) {
	if cfg.Driver == util.DriverMemory {
		logger.Warn("Using in-memory storage, all data is lost on restart")
		return memory.NewStorage(logger), func() {}, nil
	}

	db, dbCleanup, err := util.NewDBConnection(logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	if !skipMigrations {
		if err := migrations.RunMigrations(ctx, db, logger); err != nil {
			dbCleanup()
			return nil, nil, err
		}
	}

	return postgres.NewStorage(db), dbCleanup, nil
}
