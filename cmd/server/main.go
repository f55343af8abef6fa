package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	echoapi "github.com/fedgate-dev/fedgate/api/echo"
	"github.com/fedgate-dev/fedgate/cache"
	redischallenge "github.com/fedgate-dev/fedgate/cache/redis"
	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/internal/auth"
	"github.com/fedgate-dev/fedgate/internal/backends"
	"github.com/fedgate-dev/fedgate/internal/metrics"
	"github.com/fedgate-dev/fedgate/internal/notify"
	"github.com/fedgate-dev/fedgate/internal/tokenverify"
	"github.com/fedgate-dev/fedgate/middleware"
	"github.com/fedgate-dev/fedgate/mongodb"
	"github.com/fedgate-dev/fedgate/services"
	"github.com/fedgate-dev/fedgate/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogger(cfg)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("mongo_db", cfg.MongoDBName).
		Bool("nomis", cfg.Nomis.Enabled).
		Bool("delius", cfg.Delius.Enabled).
		Bool("azuread", cfg.Azure.Enabled).
		Bool("token_verification", cfg.TokenVerification.Enabled).
		Msg("starting fedgate")

	ctx := context.Background()
	mongoClient, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongodb")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("mongodb disconnect failed")
		}
	}()

	userRepo, err := mongodb.NewUserRepository(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize user repository")
	}

	challenges := newChallengeStore(cfg)
	defer challenges.Close()

	// Identity sources in resolution precedence order.
	hasher := auth.NewBcryptPasswordHasher(0)
	local := backends.NewLocalBackend(userRepo, hasher)
	nomis := backends.NewNomisBackend(cfg.Nomis)
	delius := backends.NewDeliusBackend(cfg.Delius, cfg.DeliusRoleMappings)
	azure := backends.NewAzureBackend(cfg.Azure)
	remotes := []backends.IdentityBackend{nomis, delius, azure}

	userService := services.NewUserService(local, remotes, userRepo, nomis)
	authService := services.NewAuthService(userService, append([]backends.IdentityBackend{local}, remotes...))
	sender := notify.NewClient(cfg.Notify)
	mfaService := services.NewMfaService(cfg.Mfa, challenges, userService, sender)

	jwtHelper := session.NewJwtHelper(cfg.Jwt)
	cookieHelper := session.NewCookieHelper(cfg.Jwt)
	verifier := tokenverify.NewClient(cfg.TokenVerification)
	successHandler := session.NewSuccessHandler(jwtHelper, cookieHelper, verifier, userService)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	api := echoapi.NewGatewayAPI(authService, userService, mfaService, successHandler)
	api.RegisterRoutes(e,
		middleware.SessionAuth(cookieHelper, jwtHelper),
		middleware.RequireAuthenticated(),
	)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "UP"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

func initLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// newChallengeStore prefers redis when an address is configured so
// challenges survive restarts and are shared between instances; the
// in-memory store serves single-node deployments.
func newChallengeStore(cfg *config.ServerConfig) cache.ChallengeStore {
	if cfg.RedisAddr == "" {
		log.Info().Msg("using in-memory mfa challenge store")
		return cache.NewMemoryChallengeStore(cfg.Mfa.TokenTTL)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	log.Info().Str("addr", cfg.RedisAddr).Msg("using redis mfa challenge store")
	return redischallenge.NewChallengeStore(client, "fedgate")
}
