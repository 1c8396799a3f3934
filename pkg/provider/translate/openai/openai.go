// Package openai provides a translation provider backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/parlay-live/parlance/pkg/provider/translate"
)

// Provider implements translate.Provider and translate.Corrector using the
// OpenAI API. Partial captions go to the (typically cheaper, faster)
// partialModel; finals go to model.
type Provider struct {
	client       oai.Client
	model        string
	partialModel string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	partialModel string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithPartialModel routes partial-caption requests to a different model.
func WithPartialModel(model string) Option {
	return func(c *config) {
		c.partialModel = model
	}
}

// New constructs a new OpenAI translation Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	partialModel := cfg.partialModel
	if partialModel == "" {
		partialModel = model
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, partialModel: partialModel}, nil
}

// Translate implements translate.Provider.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", nil
	}

	model := p.model
	if req.Partial {
		model = p.partialModel
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(req.Instructions),
			oai.UserMessage(req.Text),
		},
		Temperature: param.NewOpt(0.2),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: translate %s->%s: %w", req.SourceLang, req.TargetLang, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in translation response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Correct implements translate.Corrector. Corrections always use the partial
// model: they sit on the caption latency path.
func (p *Provider) Correct(ctx context.Context, text, lang, instructions string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.partialModel),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(instructions),
			oai.UserMessage(text),
		},
		Temperature: param.NewOpt(0.0),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: correct %s text: %w", lang, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in correction response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var (
	_ translate.Provider  = (*Provider)(nil)
	_ translate.Corrector = (*Provider)(nil)
)
