package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"patchsmith/internal/plan"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient produces plans through the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// NewGeminiClient creates a Gemini-backed plan client.
func NewGeminiClient(cfg Config, log *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}

	return &GeminiClient{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     log,
	}, nil
}

// RequestPlan prompts the model for a JSON plan and parses it.
func (c *GeminiClient) RequestPlan(ctx context.Context, req Request) (*plan.Plan, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromText(buildUserPrompt(req), genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(planSystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	c.log.Debug("requesting plan from Gemini",
		zap.String("model", c.model),
		zap.Int("attempt", req.Attempt))

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text := result.Text()
	if text == "" {
		return nil, &plan.MalformedError{Reason: "empty completion"}
	}

	p, err := plan.Decode([]byte(extractJSON(text)))
	if err != nil {
		return nil, err
	}

	c.log.Debug("plan received", zap.Int("steps", len(p.Steps)))
	return p, nil
}

// NewClient selects a client implementation by provider name.
func NewClient(cfg Config, log *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case "", "http":
		return NewHTTPClient(cfg, log), nil
	case "gemini":
		return NewGeminiClient(cfg, log)
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
}
