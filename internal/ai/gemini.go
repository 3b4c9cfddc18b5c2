package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/ratelimit"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the secondary provider
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider generates text through the Gemini API
type GeminiProvider struct {
	models     contentGenerator
	model      string
	timeout    time.Duration
	spacer     *ratelimit.Spacer
	configured bool
}

// Ensure GeminiProvider implements Provider
var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider creates the provider. An empty API key yields an
// unconfigured provider rather than an error.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig, spacer *ratelimit.Spacer) (*GeminiProvider, error) {
	p := &GeminiProvider{
		model:   cfg.Model,
		timeout: cfg.Timeout,
		spacer:  spacer,
	}
	if p.model == "" {
		p.model = defaultGeminiModel
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return p, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	p.models = client.Models
	p.configured = true
	return p, nil
}

func (p *GeminiProvider) Name() string     { return ProviderGemini }
func (p *GeminiProvider) Model() string    { return p.model }
func (p *GeminiProvider) Configured() bool { return p.configured }

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	if !p.configured {
		return "", &ProviderError{Provider: ProviderGemini, Kind: KindAuth, Err: ErrNotConfigured}
	}
	if err := p.spacer.Wait(ctx); err != nil {
		return "", err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	result, err := p.models.GenerateContent(ctx, p.model, genai.Text(req.User), config)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	text := ""
	if result != nil {
		text = strings.TrimSpace(result.Text())
	}
	if text == "" {
		return "", &ProviderError{Provider: ProviderGemini, Kind: KindUnknown, Err: ErrEmptyCompletion}
	}
	return text, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return geminiAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return geminiAPIError(*apiErrPtr, err)
	}
	return transportError(ProviderGemini, err)
}

func geminiAPIError(apiErr genai.APIError, err error) *ProviderError {
	kind := KindForStatus(apiErr.Code)
	if apiErr.Status == "RESOURCE_EXHAUSTED" {
		kind = KindRateLimit
	}
	return &ProviderError{Provider: ProviderGemini, Kind: kind, StatusCode: apiErr.Code, Err: err}
}
