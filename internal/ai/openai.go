package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/shipnote/shipnote-bot/internal/ratelimit"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures the primary provider
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIProvider generates text through the chat completions API
type OpenAIProvider struct {
	completions chatCompletions
	model       string
	timeout     time.Duration
	spacer      *ratelimit.Spacer
	configured  bool
}

// Ensure OpenAIProvider implements Provider
var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the provider. Without an API key it reports
// itself as not configured and every call fails with ErrNotConfigured.
func NewOpenAIProvider(cfg OpenAIConfig, spacer *ratelimit.Spacer) *OpenAIProvider {
	p := &OpenAIProvider{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		spacer:  spacer,
	}
	if p.model == "" {
		p.model = defaultOpenAIModel
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return p
	}

	// retries are driven by the generator's policy, not the SDK
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	p.completions = &client.Chat.Completions
	p.configured = true
	return p
}

func (p *OpenAIProvider) Name() string     { return ProviderOpenAI }
func (p *OpenAIProvider) Model() string    { return p.model }
func (p *OpenAIProvider) Configured() bool { return p.configured }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	if !p.configured {
		return "", &ProviderError{Provider: ProviderOpenAI, Kind: KindAuth, Err: ErrNotConfigured}
	}
	if err := p.spacer.Wait(ctx); err != nil {
		return "", err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return "", &ProviderError{Provider: ProviderOpenAI, Kind: KindUnknown, Err: ErrEmptyCompletion}
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: ProviderOpenAI, Kind: KindUnknown, Err: ErrEmptyCompletion}
	}
	return text, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   ProviderOpenAI,
			Kind:       KindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return transportError(ProviderOpenAI, err)
}
