package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shipnote/shipnote-bot/internal/ai"
	"github.com/shipnote/shipnote-bot/internal/config"
	"github.com/shipnote/shipnote-bot/internal/generator"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/retry"
	"github.com/shipnote/shipnote-bot/internal/sources"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/shipnote/shipnote-bot/internal/telegram"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var nowFunc = time.Now

var rootCmd = &cobra.Command{
	Use:   "shipnote",
	Short: "shipnote - turn GitHub activity into social posts",
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Fetch recent GitHub activity and print the draft it would produce",
	RunE:  runPreview,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check connectivity to the configured AI providers and Telegram",
	RunE:  runCheck,
}

var (
	loginFlag   string
	tokenFlag   string
	sinceFlag   time.Duration
	styleFlag   string
	apiURLFlag  string
	offlineFlag bool
	verboseFlag bool
)

func init() {
	previewCmd.Flags().StringVar(&loginFlag, "login", "", "GitHub login to preview")
	previewCmd.Flags().StringVar(&tokenFlag, "token", os.Getenv("GITHUB_TOKEN"), "GitHub token (default $GITHUB_TOKEN)")
	previewCmd.Flags().DurationVar(&sinceFlag, "since", 72*time.Hour, "How far back to look for activity")
	previewCmd.Flags().StringVar(&styleFlag, "style", "casual", "Content style: technical, casual or professional")
	previewCmd.Flags().StringVar(&apiURLFlag, "api-url", "", "GitHub API base URL")
	previewCmd.Flags().BoolVar(&offlineFlag, "offline", false, "Use the template writer instead of an AI provider")
	_ = previewCmd.MarkFlagRequired("login")

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.AddCommand(previewCmd, checkCmd)
}

func main() {
	// .env is optional
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.WarnLevel)
	if verboseFlag {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func runPreview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	logger := newLogger(cmd.ErrOrStderr())

	if tokenFlag == "" {
		return errors.New("a GitHub token is required: pass --token or set GITHUB_TOKEN")
	}

	store := storage.NewMemoryStore()
	user := &models.User{GitHubLogin: loginFlag, GitHubToken: tokenFlag, ContentStyle: styleFlag}
	if err := store.SaveUser(ctx, user); err != nil {
		return err
	}

	github := sources.NewGitHubSource(apiURLFlag, 30*time.Second, logger)
	events, err := github.FetchEvents(ctx, user, nowFunc().Add(-sinceFlag))
	if err != nil {
		return fmt.Errorf("fetch activity: %w", err)
	}

	ingest := ingestion.NewService(store, store, logger)
	var total ingestion.Result
	for _, event := range events {
		total.Add(ingest.IngestForUser(ctx, user, event))
	}
	fmt.Fprintf(out, "Fetched %d events, %d activities\n", len(events), total.Created+total.Updated+total.Unchanged)

	var gen *generator.Generator
	if !offlineFlag {
		gen, err = newGenerator(ctx, store, github, logger)
		if errors.Is(err, ai.ErrNotConfigured) {
			fmt.Fprintln(out, "No AI provider configured, using the template writer")
		} else if err != nil {
			return err
		}
	}

	if gen == nil {
		activities, err := store.ListActivities(ctx, storage.ActivityFilter{UserID: user.ID})
		if err != nil {
			return err
		}
		group := generator.LargestGroup(activities)
		if len(group) == 0 {
			return generator.ErrNoActivity
		}
		printDraft(out, group[0].Repository, generator.FallbackText(group, models.PlatformTwitter.CharLimit()), nil)
		return nil
	}

	content, err := gen.GenerateFromRecent(ctx, user, sinceFlag)
	if err != nil {
		return err
	}
	repo := ""
	if a, err := store.GetActivity(ctx, content.ActivityIDs[0]); err == nil {
		repo = a.Repository
	}
	printDraft(out, repo, content.Text, &content.Generation)
	return nil
}

func newGenerator(ctx context.Context, store storage.Store, github *sources.GitHubSource, logger logrus.FieldLogger) (*generator.Generator, error) {
	providers, defaultProvider, err := providersFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return generator.New(providers, generator.Config{
		DefaultProvider: defaultProvider,
		Retry:           retry.DefaultPolicy,
		Platform:        models.PlatformTwitter,
	}, store, store, github, logger)
}

// providersFromEnv builds both providers from the same variables the bot reads
func providersFromEnv(ctx context.Context) ([]ai.Provider, string, error) {
	openaiProvider := ai.NewOpenAIProvider(ai.OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}, nil)
	geminiProvider, err := ai.NewGeminiProvider(ctx, ai.GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}, nil)
	if err != nil {
		return nil, "", err
	}

	defaultProvider := os.Getenv("DEFAULT_AI_PROVIDER")
	if defaultProvider == "" {
		defaultProvider = ai.ProviderOpenAI
		if !openaiProvider.Configured() && geminiProvider.Configured() {
			defaultProvider = ai.ProviderGemini
		}
	}
	return []ai.Provider{openaiProvider, geminiProvider}, defaultProvider, nil
}

func printDraft(out io.Writer, repo, text string, info *models.GenerationInfo) {
	fmt.Fprintln(out)
	if repo != "" {
		fmt.Fprintf(out, "Draft for %s (%d/%d chars)\n", repo, models.TextLength(text), models.PlatformTwitter.CharLimit())
	}
	fmt.Fprintln(out, strings.Repeat("-", 40))
	fmt.Fprintln(out, text)
	fmt.Fprintln(out, strings.Repeat("-", 40))
	if info == nil {
		fmt.Fprintln(out, "Written by: template")
		return
	}
	switch {
	case info.GeneratedByFallback:
		fmt.Fprintf(out, "Written by: template (%s)\n", info.FallbackReason)
	default:
		fmt.Fprintf(out, "Written by: %s %s\n", info.Provider, info.Model)
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()
	logger := newLogger(cmd.ErrOrStderr())

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	providers, _, err := providersFromEnv(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, p := range providers {
		fmt.Fprintf(out, "%-10s ", p.Name())
		if !p.Configured() {
			fmt.Fprintln(out, "DISABLED (missing API key)")
			continue
		}
		_, err := p.Complete(ctx, ai.Request{User: "Reply with OK.", MaxTokens: 5})
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAILED: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "OK (%s)\n", p.Model())
	}

	fmt.Fprintf(out, "%-10s ", "telegram")
	if _, err := telegram.New(cfg.TelegramBotToken, logger); err != nil {
		failed++
		fmt.Fprintf(out, "FAILED: %v\n", err)
	} else {
		fmt.Fprintln(out, "OK")
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}
