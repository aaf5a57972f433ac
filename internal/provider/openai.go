package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/pkg/ratelimit"
)

var (
	_ Completer = (*Client)(nil)
	_ Embedder  = (*Client)(nil)
)

// Client 是 OpenAI 兼容接口（/v1/chat/completions、/v1/embeddings）的客户端。
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

// NewClient 创建客户端。limiter 可以为 nil。
func NewClient(cfg config.ProviderConfig, limiter ratelimit.Limiter, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type chatMessage struct {
	Role    Role `json:"role"`
	Content any  `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Complete 调用 /v1/chat/completions。
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	body := chatRequest{Model: req.Model, Temperature: req.Temperature}
	for _, m := range req.Messages {
		msg := chatMessage{Role: m.Role, Content: m.Content}
		if len(m.Parts) > 0 {
			msg.Content = m.Parts
		}
		body.Messages = append(body.Messages, msg)
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaSpec{Name: req.Schema.Name, Schema: req.Schema.Schema},
		}
	}

	var resp chatResponse
	if err := c.post(ctx, req.Model, "/v1/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		metrics.ProviderCallsTotal.WithLabelValues(req.Model, "empty").Inc()
		return "", fmt.Errorf("model %s returned no choices", req.Model)
	}
	content := resp.Choices[0].Message.Content
	c.logger.Debug("model response", slog.String("model", req.Model), slog.Int("tokens", EstimateTokens(content)))
	return content, nil
}

// Embed 调用 /v1/embeddings，按返回的 index 还原输入顺序。
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	var resp embedResponse
	if err := c.post(ctx, model, "/v1/embeddings", embedRequest{Model: model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, model, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(model, "rate_limited").Inc()
			return err
		}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(model, "error").Inc()
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ProviderCallsTotal.WithLabelValues(model, "error").Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("provider error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(model, "error").Inc()
		return fmt.Errorf("decode response: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues(model, "success").Inc()
	c.logger.Debug("provider call",
		slog.String("model", model),
		slog.String("path", path),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
