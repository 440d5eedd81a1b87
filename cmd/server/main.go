package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"portalchat/internal/config"
	"portalchat/internal/httpserver"
	"portalchat/internal/logger"
	"portalchat/internal/presence"
	"portalchat/internal/security"
	"portalchat/internal/service"
	"portalchat/internal/store/sqlstore"
	"portalchat/internal/ws"
)

// @title           Portal Chat API
// @version         1.0
// @description     Messaging backend for the education portal.

// @host            localhost:8000
// @BasePath        /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatal("failed to load config", "error", err)
	}
	log := logger.New(cfg.LogLevel).With("app", cfg.AppName, "env", cfg.Env)

	db, err := sqlstore.Open(cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxConns, log)
	if err != nil {
		log.Fatal("failed to open database", "error", err)
	}
	defer db.Close()
	repos := sqlstore.NewRepositories(db)

	tokenSvc := security.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	passwordHasher := security.NewPasswordHasher(cfg.Auth.BcryptCost)
	encryptor, err := security.NewEncryptor([]byte(cfg.Crypto.Key), cfg.Crypto.LegacyKeys)
	if err != nil {
		log.Fatal("failed to initialize encryptor", "error", err)
	}

	tracker, closeTracker := newTracker(cfg, log)
	defer closeTracker()

	hub := ws.NewHub(log)
	locks := service.NewConversationLocks()

	authSvc := service.NewAuthService(repos.Users, tokenSvc, passwordHasher, log)
	userSvc := service.NewUserService(repos.Users, repos.Conversations, tracker, hub, log)
	convSvc := service.NewConversationService(repos.Conversations, repos.Users, repos.Messages, locks, hub, encryptor, log)
	msgSvc := service.NewMessageService(repos.Messages, repos.Conversations, repos.Users, locks, hub, encryptor, log,
		service.MessageConfig{
			MaxLength:       cfg.Chat.MaxMessageLength,
			DefaultPageSize: cfg.Chat.DefaultPageSize,
			MaxPageSize:     cfg.Chat.MaxPageSize,
		})
	typingSvc := service.NewTypingService(repos.Conversations, repos.Users, tracker, hub, log)

	gateway := ws.NewGateway(hub, authSvc, userSvc, msgSvc, typingSvc, log, ws.GatewayOptions{
		AllowedOrigins: cfg.CORSOrigins,
		CommandTimeout: cfg.Chat.CommandTimeout,
		QueueSize:      cfg.Chat.SendQueueSize,
		PingInterval:   cfg.Chat.PresenceTTL / 3,
	})

	router := httpserver.NewRouter(httpserver.Deps{
		Config:        cfg,
		Log:           log,
		Auth:          authSvc,
		Users:         userSvc,
		Conversations: convSvc,
		Messages:      msgSvc,
		Typing:        typingSvc,
		Gateway:       gateway,
		Health:        db.PingContext,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go userSvc.RunPresenceSweep(sweepCtx, cfg.Chat.PresenceTTL/2)

	go func() {
		log.Info("starting server", "addr", cfg.HTTPAddr(), "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down server")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by Shutdown.
	hub.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

// newTracker keeps presence in Redis when REDIS_ADDR is set, so several
// server instances share it, and in process otherwise.
func newTracker(cfg *config.Config, log logger.Logger) (presence.Tracker, func()) {
	opts := presence.Options{PresenceTTL: cfg.Chat.PresenceTTL, TypingTTL: cfg.Chat.TypingTTL}
	if cfg.Redis.Addr == "" {
		return presence.NewMemoryTracker(opts), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
	}
	log.Info("presence backed by redis", "addr", cfg.Redis.Addr)
	return presence.NewRedisTracker(rdb, opts), func() { _ = rdb.Close() }
}
