package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/torchlight-app/table-sync-go/internal/config"
	"github.com/torchlight-app/table-sync-go/internal/database"
	"github.com/torchlight-app/table-sync-go/internal/handler"
	"github.com/torchlight-app/table-sync-go/internal/jobs"
	"github.com/torchlight-app/table-sync-go/internal/middleware"
	redisclient "github.com/torchlight-app/table-sync-go/internal/redis"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/service"
	"github.com/torchlight-app/table-sync-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(pingCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("database ping failed")
	}
	cancel()
	log.Info().Msg("connected to database")

	redisClient, err := redisclient.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("connected to redis")

	clock := clockwork.NewRealClock()

	sessionRepo := repository.NewPairingSessionRepository(db.DB)
	campaignRepo := repository.NewCampaignRepository(db.DB)
	characterRepo := repository.NewCharacterRepository(db)
	presenceStore := repository.NewRedisPresenceStore(redisClient)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	pairingService := service.NewPairingService(sessionRepo, campaignRepo, broker, clock, cfg.CodeTTL())
	presenceService := service.NewPresenceService(presenceStore, broker, clock, cfg.PresenceTTL())
	characterService := service.NewCharacterService(characterRepo, broker, clock)

	rateLimiter := service.NewRateLimiter(redisClient.Client)

	reaper := jobs.NewReaper(
		sessionRepo,
		presenceStore,
		broker,
		clock,
		cfg.ReaperInterval(),
		cfg.ReapThreshold(),
		cfg.PresenceTTL(),
	)
	reaper.Start()
	defer reaper.Stop()

	router := buildRouter(db, pairingService, presenceService, characterService, rateLimiter, broker)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("server stopped")
}

func buildRouter(
	db *database.DB,
	pairingService *service.PairingService,
	presenceService *service.PresenceService,
	characterService *service.CharacterService,
	rateLimiter *service.RateLimiter,
	broker *sse.Broker,
) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(middleware.NewBodyLimitMiddleware(middleware.DefaultMaxBodySize).Handler)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), config.DBPingTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	registerLimit := middleware.NewIPRateLimitMiddleware(
		rateLimiter, config.RegisterRateLimitPerMin, time.Minute, "register")
	claimLimit := middleware.NewIPRateLimitMiddleware(
		rateLimiter, config.ClaimRateLimitPerMin, time.Minute, "claim")

	displayHandler := handler.NewDisplayHandler(pairingService)
	campaignHandler := handler.NewCampaignHandler(pairingService, presenceService)
	characterHandler := handler.NewCharacterHandler(characterService)
	eventsHandler := handler.NewEventsHandler(broker)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/displays", func(r chi.Router) {
			r.With(registerLimit.Handler).Post("/", displayHandler.Register)
			r.Get("/{token}", displayHandler.Status)
			r.Post("/{token}/heartbeat", displayHandler.Heartbeat)
			r.Post("/{token}/code", displayHandler.RefreshCode)
			r.Delete("/{token}", displayHandler.Disconnect)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.With(claimLimit.Handler).Post("/{campaignID}/claim", campaignHandler.Claim)
			r.Get("/{campaignID}/presence", campaignHandler.ListPresence)
			r.Post("/{campaignID}/presence", campaignHandler.Join)
			r.Delete("/{campaignID}/presence/{memberID}", campaignHandler.Leave)
			r.Post("/{campaignID}/presence/{memberID}/heartbeat", campaignHandler.PresenceHeartbeat)
			r.Get("/{campaignID}/events", eventsHandler.Stream)
		})

		r.Route("/characters", func(r chi.Router) {
			r.Get("/{characterID}", characterHandler.Get)
			r.Post("/{characterID}/mutate", characterHandler.Mutate)
		})
	})

	return r
}
