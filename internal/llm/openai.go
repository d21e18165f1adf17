package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/wire"
)

// DefaultTimeout is the per-call LLM deadline applied when the caller's
// context carries none.
const DefaultTimeout = 45 * time.Second

// chatRequest is the OpenAI chat completions request body, reduced to the
// fields this client sends.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"` // "json_object"
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

// Config configures the OpenAI-compatible client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Model is the chat model identifier.
	Model string
	// Timeout is the transport-level request timeout. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// NewOpenAIClient creates a client. The configuration is validated here so
// startup fails fast on a missing key or URL.
func NewOpenAIClient(cfg Config, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llm: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("llm: API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("llm"),
	}, nil
}

// Ping verifies the endpoint is reachable and the credentials are accepted.
// Called once at startup; a failure is fatal.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("llm: build ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm: endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("llm: credentials rejected (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("llm: endpoint unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

// GenerateSQL implements Client.
func (c *OpenAIClient) GenerateSQL(ctx context.Context, question string, tables []wire.Table, dialect string) (string, error) {
	content, err := c.complete(ctx, sqlSystemPrompt(dialect), sqlUserPrompt(question, tables), nil)
	if err != nil {
		return "", err
	}

	sql := extractSQL(content)
	if sql == "" {
		return "", fault.New(fault.CodeInternal, "language model returned no SQL")
	}
	return sql, nil
}

// ClassifyDataSource implements Client. The model is asked for a JSON
// object; a malformed reply falls back to the first candidate with zero
// confidence rather than failing the query.
func (c *OpenAIClient) ClassifyDataSource(ctx context.Context, question string, candidates []string) (Routing, error) {
	content, err := c.complete(ctx, classifierSystemPrompt,
		classifierUserPrompt(question, candidates),
		&responseFormat{Type: "json_object"})
	if err != nil {
		return Routing{}, err
	}

	var routing Routing
	if err := json.Unmarshal([]byte(extractJSON(content)), &routing); err != nil || routing.Service == "" {
		c.logger.Warn("classifier reply was not valid JSON, using first candidate",
			zap.String("reply", content),
		)
		return Routing{
			Service:    candidates[0],
			Reasoning:  "classifier reply unparseable; defaulted",
			Confidence: 0,
		}, nil
	}

	// The model must pick from the offered candidates.
	for _, cand := range candidates {
		if routing.Service == cand {
			return routing, nil
		}
	}
	c.logger.Warn("classifier picked a service that was not offered",
		zap.String("service", routing.Service),
	)
	routing.Service = candidates[0]
	routing.Confidence = 0
	return routing, nil
}

// Summarize implements Client.
func (c *OpenAIClient) Summarize(ctx context.Context, question, sql, resultTable string) (string, error) {
	return c.complete(ctx, summarySystemPrompt, summaryUserPrompt(question, sql, resultTable), nil)
}

// complete performs one chat completion round-trip and returns the first
// choice's content.
func (c *OpenAIClient) complete(ctx context.Context, system, user string, format *responseFormat) (string, error) {
	temp := 0.0
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    &temp,
		ResponseFormat: format,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", fault.New(fault.CodeLLMTimeout, "language model did not reply in time")
		}
		return "", fault.Wrap(fault.CodeInternal, "language model request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "language model response unreadable", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fault.Wrap(fault.CodeInternal, "language model response malformed", err)
	}
	if parsed.Error != nil {
		return "", fault.Newf(fault.CodeInternal, "language model error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return "", fault.Newf(fault.CodeInternal, "language model returned status %d with no choices", resp.StatusCode)
	}

	c.logger.Debug("chat completion",
		zap.Duration("duration", time.Since(start)),
		zap.Int("reply_bytes", len(parsed.Choices[0].Message.Content)),
	)
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// isTimeout distinguishes a deadline expiry from other transport failures.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// extractSQL strips markdown code fences the model tends to wrap SQL in.
func extractSQL(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```sql")
		content = strings.TrimPrefix(content, "```")
		if i := strings.Index(content, "```"); i >= 0 {
			content = content[:i]
		}
	}
	return strings.TrimSpace(content)
}

// extractJSON trims code fences around a JSON object, if any.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if i := strings.Index(content, "```"); i >= 0 {
			content = content[:i]
		}
	}
	return strings.TrimSpace(content)
}
