package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pocketllm/internal/catalog"
	"pocketllm/internal/chat"
	"pocketllm/internal/config"
	"pocketllm/internal/conversation"
	"pocketllm/internal/crypto"
	"pocketllm/internal/engine"
	"pocketllm/internal/engine/llamahttp"
	"pocketllm/internal/kvstore"
	"pocketllm/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("kv_driver", cfg.KV.Driver).
		Bool("kv_encrypt", cfg.KV.Encrypt).
		Str("engine_url", cfg.Engine.BaseURL).
		Bool("use_history", cfg.Chat.UseHistory).
		Msg("starting pocketllmd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, err := kvstore.Open(ctx, kvstore.Config{
		Driver:        cfg.KV.Driver,
		DSN:           cfg.KV.DSN,
		AutoMigrate:   cfg.KV.AutoMigrate,
		MigrationsDir: cfg.KV.MigrationsDir,
		RedisAddr:     cfg.KV.RedisAddr,
		RedisPassword: cfg.KV.RedisPassword,
		RedisDB:       cfg.KV.RedisDB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open kv store")
	}
	defer kv.Close()

	if cfg.KV.Encrypt {
		manager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize crypto manager")
		}
		kv = kvstore.NewEncrypted(kv, manager)
		log.Info().Str("key_id", cfg.Crypto.CurrentKeyID).Msg("at-rest encryption enabled")
	}

	eng := llamahttp.New(llamahttp.Config{
		BaseURL:     cfg.Engine.BaseURL,
		MaxRetries:  cfg.Engine.MaxRetries,
		BackoffBase: cfg.Engine.BackoffBase,
	})
	titler := engine.NewChatTitler(eng)

	models := catalog.New(catalog.Config{
		URL:        cfg.Catalog.URL,
		HTTPClient: &http.Client{Timeout: cfg.Catalog.Timeout},
		Logger:     log.Logger,
	}).Load(ctx)
	catalog.SortBySize(models)
	log.Info().Int("models", len(models)).Str("total_size", catalog.TotalSize(models)).Msg("model catalog loaded")

	store := conversation.New(conversation.Config{
		KV:     kv,
		Titler: titler,
		Logger: log.Logger,
	})
	lifecycle := model.New(model.Config{
		Engine: eng,
		KV:     kv,
		Logger: log.Logger,
	})
	session := chat.NewSession(chat.SessionConfig{
		Store:      store,
		Lifecycle:  lifecycle,
		Engine:     eng,
		Titler:     titler,
		Logger:     log.Logger,
		UseHistory: cfg.Chat.UseHistory,
		FlushDelay: cfg.Chat.FlushDelay,
	})

	if selected := lifecycle.SelectedModel(ctx); selected != "" {
		if lifecycle.CheckExisting(ctx, selected) {
			log.Info().Str("model", selected).Msg("persisted model ready")
			if err := session.Start(ctx, selected); err != nil {
				log.Error().Err(err).Msg("failed to start chat session")
			}
		} else {
			log.Warn().Str("model", selected).Msg("persisted model not on device")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		st := lifecycle.Status()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":        st.State.String(),
			"model":        st.ModelID,
			"progress":     st.Progress,
			"loading":      st.Loading(),
			"streaming":    session.Streaming(),
			"conversation": session.ActiveConversation(),
		})
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	session.Close()
	lifecycle.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
