package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	badgerstore "github.com/satriahrh/arunika/orchestrator/adapters/badger"
	"github.com/satriahrh/arunika/orchestrator/adapters/memory"
	mongostore "github.com/satriahrh/arunika/orchestrator/adapters/mongo"
	"github.com/satriahrh/arunika/orchestrator/adapters/speech"
	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/domain/repositories"
	"github.com/satriahrh/arunika/orchestrator/internal/api"
	"github.com/satriahrh/arunika/orchestrator/internal/auth"
	"github.com/satriahrh/arunika/orchestrator/internal/config"
	"github.com/satriahrh/arunika/orchestrator/internal/transcript"
	"github.com/satriahrh/arunika/orchestrator/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device websocket and HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Sync()
		return serve(cfg, logger)
	},
}

// stores are the persistence collaborators picked by configuration
type stores struct {
	users       repositories.UserRepository
	prompts     repositories.PromptRepository
	progress    repositories.ProgressRepository
	transcripts repositories.TranscriptRepository
	closers     []func(context.Context) error
}

func (s *stores) close(ctx context.Context, logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}
	policy := entities.ProgressPolicy{
		EpisodesPerSeason: cfg.EpisodesPerSeason,
		DailyEpisodeLimit: cfg.DailyEpisodeLimit,
	}

	var client *mongostore.Client
	if cfg.StoreBackend == config.BackendMongo || cfg.TranscriptBackend == config.BackendMongo {
		var err error
		client, err = mongostore.NewClient(ctx, mongostore.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		if err := client.EnsureIndexes(ctx); err != nil {
			s.close(ctx, logger)
			return nil, err
		}
	}

	switch cfg.StoreBackend {
	case config.BackendMongo:
		users := mongostore.NewUserRepository(client.Database, policy, logger)
		s.users, s.progress = users, users
		s.prompts = mongostore.NewPromptRepository(client.Database)
	default:
		users := memory.NewUserRepository(policy)
		s.users, s.progress = users, users
		s.prompts = memory.NewPromptRepository()
	}

	switch cfg.TranscriptBackend {
	case config.BackendMongo:
		s.transcripts = mongostore.NewTranscriptRepository(client.Database, logger)
	case config.BackendBadger:
		repo, err := badgerstore.NewTranscriptRepository(badgerstore.Options{Dir: cfg.BadgerDir}, logger)
		if err != nil {
			s.close(ctx, logger)
			return nil, err
		}
		s.transcripts = repo
		s.closers = append(s.closers, func(context.Context) error { return repo.Close() })
	default:
		s.transcripts = memory.NewTranscriptRepository()
	}

	if cfg.SeedFile != "" {
		seed, err := memory.LoadSeed(cfg.SeedFile)
		if err != nil {
			s.close(ctx, logger)
			return nil, err
		}
		if err := seed.Apply(ctx, s.users, s.prompts); err != nil {
			s.close(ctx, logger)
			return nil, err
		}
		logger.Info("Seed applied",
			zap.String("file", cfg.SeedFile),
			zap.Int("users", len(seed.Users)),
			zap.Int("prompts", len(seed.Prompts)))
	}
	return s, nil
}

func bridgeFactory(cfg *config.Config, logger *zap.Logger) repositories.SpeechBridgeFactory {
	switch cfg.SpeechProvider {
	case config.ProviderGemini:
		return speech.NewGeminiLiveFactory(speech.GeminiLiveConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiLiveModel,
			PendingLimit: cfg.PrehandshakeBufferBytes,
		}, logger)
	case config.ProviderMock:
		engine := speech.NewScriptedEngine(cfg.PrehandshakeBufferBytes, logger)
		engine.Echo = true
		return engine.Factory()
	default:
		return speech.NewOpenAIRealtimeFactory(speech.OpenAIRealtimeConfig{
			URL:          cfg.OpenAIRealtimeURL,
			APIKey:       cfg.OpenAIAPIKey,
			Voice:        cfg.OpenAIVoice,
			VADEnabled:   cfg.VADEnabled,
			PendingLimit: cfg.PrehandshakeBufferBytes,
		}, logger)
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStores(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}

	recorder := transcript.NewRecorder(st.transcripts, logger)
	hub := websocket.NewHub(websocket.Dependencies{
		Users:    st.users,
		Prompts:  st.prompts,
		Progress: st.progress,
		Recorder: recorder,
		Bridges:  bridgeFactory(cfg, logger),
	}, websocket.Config{
		SessionTimeout:      cfg.SessionTimeout,
		ReaperInterval:      cfg.ReaperInterval,
		CompletionDelay:     cfg.CompletionDisconnectDelay,
		MaxAudioFrameBytes:  cfg.MaxAudioFrameBytes,
		AllowDegradedBridge: cfg.AllowDegradedBridge,
		VADEnabled:          cfg.VADEnabled,
		AudioConfig:         repositories.DefaultAudioConfig,
	}, logger)
	hub.Start()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Options{
		Hub:                hub,
		Recorder:           recorder,
		Transcripts:        st.transcripts,
		Tokens:             auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL),
		RequireDeviceToken: cfg.RequireDeviceToken,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Orchestrator started",
		zap.String("port", cfg.Port),
		zap.String("speechProvider", cfg.SpeechProvider),
		zap.String("storeBackend", cfg.StoreBackend),
		zap.String("transcriptBackend", cfg.TranscriptBackend))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		logger.Warn("Hub shutdown incomplete", zap.Error(err))
	}
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	st.close(ctx, logger)

	logger.Info("Server exited")
	return nil
}
