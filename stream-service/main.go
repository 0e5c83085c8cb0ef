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
	"tasklance/storage"
	"tasklance/stream"
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

	buffer, err := cfg.Int("STREAM_BUFFER", 16)
	if err != nil {
		log.Fatal(err)
	}
	heartbeat, err := cfg.Duration("STREAM_HEARTBEAT", 30*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	memberTTL, err := cfg.Duration("MEMBERSHIP_CACHE_TTL", time.Minute)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := channel.NewHub(logger, buffer)
	go channel.Relay(ctx, logger, rc, hub)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	stream.Register(e, hub, newAuth(cfg), authz.New(store, rc, memberTTL, logger), stream.Options{
		Heartbeat: heartbeat,
		Logger:    logger,
	})

	listenAddr := ":9000"
	if v, ok := cfg.Lookup("STREAM_SERVICE_PORT"); ok {
		listenAddr = ":" + v
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()
	if err := e.Start(listenAddr); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	_ = store.Close()
}

func newAuth(cfg *config.Source) *api.Auth {
	if cfg.Bool("AUTH0_TEST_MODE", false) {
		secret := cfg.String("TEST_JWT_SECRET", "")
		if secret == "" {
			log.Fatal("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
		return api.NewAuth(api.AuthConfig{TestSecret: []byte(secret)})
	}
	if err := cfg.Required("AUTH0_AUDIENCE", "AUTH0_DOMAIN"); err != nil {
		log.Fatal(err)
	}
	domain := cfg.String("AUTH0_DOMAIN", "")
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", domain), keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:     jwks,
		Audience: cfg.String("AUTH0_AUDIENCE", ""),
		Issuer:   "https://" + domain + "/",
	})
}
