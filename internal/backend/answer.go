package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"patchsmith/internal/compress"
)

const answerSystemPrompt = `You answer questions about a code repository.
Use only the provided file contents. Answer in plain prose; cite paths
when referring to specific files. Say so when the context is insufficient.`

// AnswerRequest carries one question and its repository context.
type AnswerRequest struct {
	Question string
	Context  *compress.Bundle
}

// Answerer answers free-form questions about the repository. Both client
// implementations satisfy it alongside Client.
type Answerer interface {
	RequestAnswer(ctx context.Context, req AnswerRequest) (string, error)
}

// wireAnswerRequest is the JSON body sent to the answer endpoint.
type wireAnswerRequest struct {
	Question string            `json:"question"`
	Context  map[string]string `json:"context"`
}

type wireAnswerResponse struct {
	Answer string `json:"answer"`
}

func buildQuestionPrompt(req AnswerRequest) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(req.Question)
	sb.WriteString("\n")
	if req.Context != nil && len(req.Context.Entries) > 0 {
		sb.WriteString("\nRepository files:\n")
		for _, e := range req.Context.Entries {
			fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", e.Path, e.Content)
		}
	}
	return sb.String()
}

// RequestAnswer sends the question to POST {baseURL}/v1/answers.
func (c *HTTPClient) RequestAnswer(ctx context.Context, req AnswerRequest) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}
	if strings.TrimSpace(req.Question) == "" {
		return "", fmt.Errorf("%w: empty question", ErrRejected)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	body := wireAnswerRequest{
		Question: req.Question,
		Context:  map[string]string{},
	}
	if req.Context != nil {
		body.Context = req.Context.AsMap()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling answer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/answers", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building answer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.model != "" {
		httpReq.Header.Set("X-Model", c.model)
	}

	c.log.Debug("requesting answer", zap.Int("context_files", len(body.Context)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", ErrRejected, firstLine(raw))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var wire wireAnswerResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return "", fmt.Errorf("decoding answer: %w", err)
	}
	if wire.Answer == "" {
		return "", fmt.Errorf("empty answer")
	}
	return wire.Answer, nil
}

// RequestAnswer prompts the model in plain text mode.
func (c *GeminiClient) RequestAnswer(ctx context.Context, req AnswerRequest) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", fmt.Errorf("%w: empty question", ErrRejected)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromText(buildQuestionPrompt(req), genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(answerSystemPrompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("empty answer")
	}
	return text, nil
}
