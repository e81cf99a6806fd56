package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"livechat/internal/cache"
	"livechat/internal/chat"
	"livechat/internal/config"
	"livechat/internal/db"
	"livechat/internal/httpx"
	"livechat/internal/logging"
	myMiddleware "livechat/internal/middleware"
	"livechat/internal/presence"
	"livechat/internal/room"
	"livechat/internal/session"
	"livechat/internal/typing"
	"livechat/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logging.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer database.Close()
	logging.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		logging.Fatal().Err(err).Msg("migration failed")
	}

	// 3. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The participant cache falls back to Postgres on every Redis error.
		logging.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, participant lookups go to PostgreSQL")
	} else {
		logging.Info().Msg("connected to Redis")
	}

	// 4. User feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Realtime core
	chatRepo := chat.NewRepository(database.Conn)
	participants := cache.NewParticipantCache(redisClient, cfg.Redis.ParticipantTTL, chatRepo.Participants)

	rooms := room.NewManager()
	hub := chat.NewHub(rooms)
	registry := session.NewRegistry()
	tracker := presence.NewTracker(registry, hub, userRepo,
		presence.WithPersistTimeout(cfg.Presence.PersistTimeout))
	coordinator := typing.NewCoordinator(
		typing.WithExpiry(cfg.Typing.Expiry),
		typing.WithDebounce(cfg.Typing.Debounce),
	)
	defer coordinator.Close()
	router := chat.NewRouter(hub, rooms, participants)

	controller := chat.NewController(chat.ControllerConfig{
		Auth:     authMiddleware,
		Store:    chatRepo,
		Hub:      hub,
		Rooms:    rooms,
		Presence: tracker,
		Typing:   coordinator,
		Router:   router,
	})
	chatHandler := chat.NewHandler(chatRepo, router, tracker, registry.OnlineUsers)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.CORS(cfg.Server.CORSOrigin))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": hub.Len()})
	})
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket (authenticates the handshake itself)
	r.Get("/ws", controller.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateWindow))

		// Public Routes
		r.Post("/api/auth/register", userHandler.Register)
		r.Post("/api/auth/login", userHandler.Login)

		// Protected Routes (Require JWT)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handle)
			userHandler.Routes(r)
			chatHandler.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := hub.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error().Err(err).Msg("server stopped with error")
	}

	// Hub.Run has closed every queue; wait for per-connection cleanup and
	// the last-seen writes it triggered.
	controller.Wait()
	tracker.Wait()
	logging.Info().Msg("server stopped")
}
