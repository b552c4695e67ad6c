package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"patchsmith/internal/plan"
)

// DefaultHTTPTimeout bounds one plan request end to end.
const DefaultHTTPTimeout = 2 * time.Minute

// maxResponseBytes caps the response body read.
const maxResponseBytes = 8 << 20

// wireRequest is the JSON body sent to the plan service.
type wireRequest struct {
	Instruction string            `json:"instruction"`
	TargetPaths []string          `json:"target_paths,omitempty"`
	Context     map[string]string `json:"context"`
	ErrorReport *wireReport       `json:"error_report,omitempty"`
	Attempt     int               `json:"attempt"`
}

type wireReport struct {
	Tool    string `json:"tool"`
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// HTTPClient talks to a plan service exposing POST {baseURL}/v1/plans.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPClient creates a client for the JSON plan service.
func NewHTTPClient(cfg Config, log *zap.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// RequestPlan sends the request and parses the response into a plan.
func (c *HTTPClient) RequestPlan(ctx context.Context, req Request) (*plan.Plan, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	// Apply the client timeout when the caller did not set a deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	body := wireRequest{
		Instruction: req.Instruction.Goal,
		TargetPaths: req.Instruction.TargetPaths,
		Context:     map[string]string{},
		Attempt:     req.Attempt,
	}
	if req.Context != nil {
		body.Context = req.Context.AsMap()
	}
	if req.Report != nil {
		body.ErrorReport = &wireReport{
			Tool:    req.Report.Tool,
			Path:    req.Report.Path,
			Line:    req.Report.Line,
			Message: req.Report.Message,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling plan request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/plans", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building plan request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.model != "" {
		httpReq.Header.Set("X-Model", c.model)
	}

	c.log.Debug("requesting plan",
		zap.Int("attempt", req.Attempt),
		zap.Int("context_files", len(body.Context)),
		zap.Int("payload_bytes", len(payload)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrRejected, firstLine(raw))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		// 429 and 5xx are transient from the loop's point of view.
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	p, err := plan.Decode(raw)
	if err != nil {
		return nil, err
	}

	c.log.Debug("plan received", zap.Int("steps", len(p.Steps)))
	return p, nil
}

func firstLine(raw []byte) string {
	for i, b := range raw {
		if b == '\n' {
			return string(raw[:i])
		}
	}
	if len(raw) > 200 {
		return string(raw[:200])
	}
	return string(raw)
}
