package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/shipnote/shipnote-bot/internal/ai"
	"github.com/shipnote/shipnote-bot/internal/approval"
	"github.com/shipnote/shipnote-bot/internal/config"
	"github.com/shipnote/shipnote-bot/internal/generator"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/notifications"
	"github.com/shipnote/shipnote-bot/internal/pipeline"
	"github.com/shipnote/shipnote-bot/internal/publisher"
	"github.com/shipnote/shipnote-bot/internal/ratelimit"
	"github.com/shipnote/shipnote-bot/internal/retry"
	"github.com/shipnote/shipnote-bot/internal/scheduler"
	"github.com/shipnote/shipnote-bot/internal/social"
	"github.com/shipnote/shipnote-bot/internal/sources"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/shipnote/shipnote-bot/internal/telegram"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.StandardLogger()

	logrus.WithField("env", cfg.Env).Info("Starting shipnote bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	archive := openArchive(ctx, cfg)

	// AI providers
	aiSpacer := ratelimit.NewSpacer(cfg.AIMinInterval)
	openaiProvider := ai.NewOpenAIProvider(ai.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.AITimeout,
	}, aiSpacer)
	geminiProvider, err := ai.NewGeminiProvider(ctx, ai.GeminiConfig{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		Timeout: cfg.AITimeout,
	}, aiSpacer)
	if err != nil {
		logrus.Fatalf("Failed to initialize Gemini: %v", err)
	}

	// GitHub ingestion
	github := sources.NewGitHubSource(cfg.GitHubAPIURL, 30*time.Second, logger)
	ingest := ingestion.NewService(store, store, logger)
	webhooks := ingestion.NewWebhookHandler(ingest, ingestion.NewSignatureGate(cfg.GitHubWebhookSecret, !cfg.IsProduction()), logger)

	gen, err := generator.New(
		[]ai.Provider{openaiProvider, geminiProvider},
		generator.Config{
			DefaultProvider: cfg.DefaultAIProvider,
			Retry:           retry.Policy{MaxAttempts: cfg.AIMaxRetries, BaseDelay: cfg.AIRetryDelay, MaxDelay: 30 * time.Second},
			Platform:        models.PlatformTwitter,
		},
		store, store, github, logger)
	if err != nil {
		logrus.Fatalf("Failed to initialize generator: %v", err)
	}

	// Chat approval loop
	bot, err := telegram.New(cfg.TelegramBotToken, logger)
	if err != nil {
		logrus.Fatalf("Failed to initialize Telegram bot: %v", err)
	}
	processor := approval.NewProcessor(store, gen, bot, approval.Config{
		Location: cfg.Location(),
		Window:   7 * 24 * time.Hour,
		Platform: models.PlatformTwitter,
	}, logger)

	notificationService := notifications.NewService(cfg, logger)

	// Publishing
	twitter := social.NewTwitterClient(cfg.TwitterAPIURL, cfg.PlatformTimeout, ratelimit.NewSpacer(cfg.PlatformMinInterval), logger)
	// platform waits over MaxWait are persisted on the content for a later tick
	pubOpts := publisher.Options{
		Sender:  bot,
		Retry:   retry.Policy{MaxAttempts: cfg.PlatformMaxRetries, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, MaxElapsed: 4 * time.Minute},
		MaxWait: time.Minute,
	}
	deps := pipeline.Deps{
		Store:     store,
		Sources:   []sources.Source{github},
		Ingester:  ingest,
		Drafter:   gen,
		Approvals: processor,
	}
	if notificationService.Enabled() {
		pubOpts.Alerter = notificationService
		deps.Notifier = notificationService
	}
	if archive != nil {
		pubOpts.Archive = archive
		deps.Archive = archive
	}
	deps.Publisher = publisher.New(store, twitter, pubOpts, logger)

	pipelineService := pipeline.NewService(deps, pipeline.Config{SyncWindow: cfg.SyncWindow}, logger)

	schedulerService := scheduler.NewService(cfg, pipelineService, logger)
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}
	defer schedulerService.Stop()

	go bot.Run(ctx, processor)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheckHandler).Methods("GET")
	router.HandleFunc("/metrics", metricsHandler(pipelineService)).Methods("GET")
	router.Handle("/webhooks/github", webhooks).Methods("POST")
	router.HandleFunc("/trigger/{job}", triggerHandler(ctx, pipelineService)).Methods("POST")

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

// openStore uses Postgres when a database is configured, otherwise an
// in-memory store that is lost on restart
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func()) {
	if cfg.DatabaseURL == "" {
		logrus.Warn("DATABASE_URL not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	return pg, pg.Close
}

func openArchive(ctx context.Context, cfg *config.Config) *storage.Archive {
	switch {
	case cfg.StorageAccount != "":
		blobs, err := storage.NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("Failed to initialize blob storage: %v", err)
		}
		return storage.NewArchive(blobs)
	case cfg.ArchiveDir != "":
		local, err := storage.NewLocalStorage(cfg.ArchiveDir)
		if err != nil {
			logrus.Fatalf("Failed to initialize local archive: %v", err)
		}
		return storage.NewArchive(local)
	default:
		logrus.Info("No archive configured")
		return nil
	}
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

func metricsHandler(p *pipeline.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(p.GetMetrics()))
	}
}

// triggerHandler runs a job out of schedule, in the background
func triggerHandler(ctx context.Context, p *pipeline.Service) http.HandlerFunc {
	jobs := map[string]func(context.Context) error{
		"sync": func(ctx context.Context) error {
			_, err := p.RunSync(ctx)
			return err
		},
		"draft": func(ctx context.Context) error {
			_, err := p.RunDrafting(ctx)
			return err
		},
		"publish": func(ctx context.Context) error {
			_, err := p.RunPublish(ctx)
			return err
		},
		"analytics": func(ctx context.Context) error {
			_, err := p.RunAnalytics(ctx)
			return err
		},
		"digest": p.SendDigest,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["job"]
		run, ok := jobs[name]
		if !ok {
			http.Error(w, `{"error":"unknown job"}`, http.StatusNotFound)
			return
		}

		go func() {
			jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if err := run(jobCtx); err != nil {
				logrus.Errorf("Manual %s trigger failed: %v", name, err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"message":"` + name + ` triggered"}`))
	}
}
