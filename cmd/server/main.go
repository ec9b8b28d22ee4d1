package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/GooGuTeam/g0v0-server/internal/config"
	"github.com/GooGuTeam/g0v0-server/internal/crypto"
	"github.com/GooGuTeam/g0v0-server/internal/multi"
	"github.com/GooGuTeam/g0v0-server/internal/scoring"
	"github.com/GooGuTeam/g0v0-server/internal/session"
	"github.com/GooGuTeam/g0v0-server/internal/storage"
)

func CreateServer(mode string, allowedOrigins []string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(ctx *gin.Context) { ctx.String(http.StatusOK, "healthy") })

	r.Use(func(ctx *gin.Context) {
		origin := ctx.Request.Header.Get("Origin")

		// Game clients send no Origin header; the check only gates browsers.
		if origin == "" || slices.Contains(allowedOrigins, origin) {
			ctx.Next()
			return
		}
		ctx.String(http.StatusForbidden, "forbidden origin")
		ctx.Abort()
	})

	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Content-Type",
			"Authorization",
			"Upgrade",
			"Connection",
			"Sec-WebSocket-Key",
			"Sec-WebSocket-Version",
			"Sec-WebSocket-Extensions",
			"Sec-WebSocket-Protocol",
		},
	}))

	return r
}

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Mode != "release" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
	}
	if cfg.PostgresURL == "" {
		log.Fatal().Msg("postgres url is not configured")
	}
	if cfg.JWTKey == "" {
		log.Fatal().Msg("jwt key is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.Migrate(cfg.PostgresURL); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	repo, err := storage.NewPostgresRepo(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer repo.Close()

	tokenManager := crypto.NewJWTManager(cfg.JWTKey)
	passwordHasher := crypto.NewArgon2idHasher(3, 1024*64, 32, 16, 1)

	registry := session.NewRegistry(tokenManager, log)

	resolver := scoring.NewHTTPBeatmapResolver(cfg.BeatmapAPIURL)
	computer := scoring.NewHTTPScoreComputer(cfg.ScoringAPIURL)
	retry := scoring.NewRetryQueue(repo, log)
	aggregator := scoring.NewService(resolver, computer, repo, retry, log)

	lobby := multi.NewLobby(multi.NewRoomIdGenerator(), multi.NewTickerGen(), log)
	lobbyStarted := make(chan struct{})
	go lobby.LobbyActor(lobbyStarted)
	<-lobbyStarted

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler setup failed")
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.RetryFlushEvery),
		gocron.NewTask(func() { retry.Flush(ctx) }),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("retry flush job setup failed")
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			pruned, err := repo.PruneBefore(ctx, time.Now().Add(-cfg.ResultRetention))
			if err != nil {
				log.Warn().Err(err).Msg("result prune failed")
				return
			}
			if pruned > 0 {
				log.Info().Int64("matches", pruned).Msg("old results pruned")
			}
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("retention job setup failed")
	}
	scheduler.Start()
	defer scheduler.Shutdown()

	r := CreateServer(cfg.Mode, cfg.AllowedOrigins)
	multiHandler := multi.NewHandler(registry, lobby, aggregator, repo, passwordHasher, passwordHasher, cfg, log)
	multiHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown was not clean")
	}
}
