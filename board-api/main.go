package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasklance/api"
	"tasklance/authz"
	"tasklance/channel"
	"tasklance/config"
	"tasklance/mutation"
	"tasklance/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Bool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	store, err := storage.Open(storage.Config{
		Backend:          cfg.String("STORAGE_BACKEND", storage.BackendTables),
		ConnectionString: cfg.String("STORAGE_CONNECTION_STRING", ""),
		BoardTable:       cfg.String("BOARD_TABLE", ""),
		IndexTable:       cfg.String("INDEX_TABLE", ""),
		SQLitePath:       cfg.String("SQLITE_PATH", "tasklance.db"),
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	if err := cfg.Required("REDIS_CONNECTION_STRING"); err != nil {
		log.Fatal(err)
	}
	redisOpts, err := config.RedisOptions(cfg.String("REDIS_CONNECTION_STRING", ""))
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)

	boardTTL := mustDuration(cfg, "BOARD_CACHE_TTL", 5*time.Minute)
	memberTTL := mustDuration(cfg, "MEMBERSHIP_CACHE_TTL", time.Minute)
	dedupeTTL := mustDuration(cfg, "DEDUPER_TTL", 24*time.Hour)

	cache := storage.NewCache(store, rc, boardTTL)
	svcCfg := mutation.Config{
		Store:      store,
		Boards:     cache,
		Cache:      cache,
		Authorizer: authz.New(store, rc, memberTTL, logger),
		Publisher:  channel.NewRedisPublisher(rc),
		Logger:     logger,
	}
	if queue := cfg.String("ACTIVITY_QUEUE", ""); queue != "" {
		activity, err := storage.NewActivityQueue(cfg.String("STORAGE_CONNECTION_STRING", ""), queue)
		if err != nil {
			log.Fatalf("activity queue: %v", err)
		}
		outbox := storage.NewActivityOutbox(activity, storage.OutboxConfig{}, logger)
		defer outbox.Close()
		svcCfg.Activity = outbox
	}
	svc := mutation.New(svcCfg)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))

	api.Register(e, svc, newAuth(cfg), api.Options{
		Deduper:     api.NewRedisDeduper(rc, dedupeTTL),
		NotifyToken: cfg.String("NOTIFY_TOKEN", ""),
		Logger:      logger,
		Health: []func(context.Context) error{
			func(ctx context.Context) error { return rc.Ping(ctx).Err() },
		},
	})

	listenAddr := ":8080"
	if v, ok := cfg.Lookup("BOARD_API_PORT"); ok {
		listenAddr = ":" + v
	} else if v, ok := cfg.Lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()
	if err := e.Start(listenAddr); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	log.Info("board api stopped")
}

func newAuth(cfg *config.Source) *api.Auth {
	if cfg.Bool("AUTH0_TEST_MODE", false) {
		secret := cfg.String("TEST_JWT_SECRET", "")
		if secret == "" {
			log.Fatal("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
		log.Warn("auth running in test mode with a shared secret")
		return api.NewAuth(api.AuthConfig{TestSecret: []byte(secret)})
	}
	if err := cfg.Required("AUTH0_AUDIENCE", "AUTH0_DOMAIN"); err != nil {
		log.Fatal(err)
	}
	domain := cfg.String("AUTH0_DOMAIN", "")
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    cfg.String("AUTH0_AUDIENCE", ""),
		Issuer:      "https://" + domain + "/",
		KeyCacheTTL: mustDuration(cfg, "JWKS_CACHE_TTL", 0),
	})
}

func mustDuration(cfg *config.Source, key string, def time.Duration) time.Duration {
	d, err := cfg.Duration(key, def)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}
