package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"insight-analysis-pipeline/internal/config"
	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model          string
	Messages       []ChatMessage
	ResponseFormat string // "json_object" for analysis calls, empty otherwise
	MaxTokens      int
	Temperature    float64
}

type ChatResponse struct {
	Content        string
	TokensUsed     int
	FinishReason   string
	ProcessingTime time.Duration
}

// AIProvider is the one-shot chat completion capability every LLM-backed
// component depends on.
type AIProvider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Embedder produces the vector representation stored per article.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ChatClient speaks the OpenAI-compatible /chat/completions shape. One
// instance exists per provider family; each carries its own rate limiter and
// circuit breaker so one misbehaving provider cannot starve the others.
type ChatClient struct {
	name       Provider
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	logger     *logger.Logger
}

func NewChatClient(name Provider, baseURL, apiKey string, cfg config.ProviderConfig, log *logger.Logger) *ChatClient {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	return &ChatClient{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker:    breaker,
		maxRetries: cfg.MaxRetries,
		logger:     log,
	}
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []ChatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	ResponseFormat *responseFormat   `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *ChatClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.NewTimeoutError("RATE_LIMIT_WAIT", "cancelled while waiting for rate limiter").WithCause(err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() (*ChatResponse, error) {
			return c.doRequest(ctx, req)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(uint(c.maxRetries)),
		)
	})

	duration := time.Since(start)
	if err != nil {
		c.logger.LogService(string(c.name), "chat", duration, map[string]interface{}{
			"model":          req.Model,
			"prompt_length":  promptLength(req.Messages),
			"max_tokens":     req.MaxTokens,
		}, err)
		return nil, models.WrapExternalError(string(c.name), err)
	}

	resp := result.(*ChatResponse)
	resp.ProcessingTime = duration

	c.logger.LogService(string(c.name), "chat", duration, map[string]interface{}{
		"model":           req.Model,
		"prompt_length":   promptLength(req.Messages),
		"response_length": len(resp.Content),
		"tokens_used":     resp.TokensUsed,
		"finish_reason":   resp.FinishReason,
	}, nil)

	return resp, nil
}

func (c *ChatClient) doRequest(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	payload := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.ResponseFormat != "" {
		payload.ResponseFormat = &responseFormat{Type: req.ResponseFormat}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal chat request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider %s returned status %d: %s", c.name, httpResp.StatusCode, truncate(string(respBody), 200))
		// Client errors other than throttling will not heal on retry.
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 && httpResp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, backoff.Permanent(fmt.Errorf("provider %s error: %s", c.name, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("provider %s returned no choices", c.name)
	}

	return &ChatResponse{
		Content:      parsed.Choices[0].Message.Content,
		TokensUsed:   parsed.Usage.TotalTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// ProviderRegistry routes each chat request to the client serving the
// model's provider family.
type ProviderRegistry struct {
	clients  map[Provider]*ChatClient
	selector *ModelSelector
	logger   *logger.Logger
}

func NewProviderRegistry(cfg config.ProviderConfig, selector *ModelSelector, log *logger.Logger) *ProviderRegistry {
	clients := map[Provider]*ChatClient{
		ProviderOpenAI:    NewChatClient(ProviderOpenAI, cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg, log),
		ProviderAnthropic: NewChatClient(ProviderAnthropic, cfg.AnthropicBaseURL, cfg.AnthropicKey, cfg, log),
		ProviderDeepSeek:  NewChatClient(ProviderDeepSeek, cfg.DeepSeekBaseURL, cfg.DeepSeekKey, cfg, log),
		ProviderGemini:    NewChatClient(ProviderGemini, cfg.GeminiBaseURL, cfg.GeminiKey, cfg, log),
		ProviderLocal:     NewChatClient(ProviderLocal, cfg.LocalBaseURL, "", cfg, log),
	}
	if cfg.CustomBaseURL != "" {
		clients[ProviderCustom] = NewChatClient(ProviderCustom, cfg.CustomBaseURL, cfg.CustomKey, cfg, log)
	}
	return &ProviderRegistry{clients: clients, selector: selector, logger: log}
}

func (r *ProviderRegistry) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	provider := r.selector.ModelProvider(req.Model)
	client, ok := r.clients[provider]
	if !ok {
		return nil, models.NewExternalError("PROVIDER_NOT_CONFIGURED",
			fmt.Sprintf("no client configured for provider %s", provider)).
			WithMetadata("model", req.Model)
	}
	return client.Chat(ctx, req)
}

// OllamaEmbedder generates embeddings through a local Ollama runtime.
type OllamaEmbedder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewOllamaEmbedder(cfg config.ProviderConfig, log *logger.Logger) *OllamaEmbedder {
	return &OllamaEmbedder{
		baseURL:    cfg.OllamaURL,
		model:      cfg.EmbeddingModel,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	start := time.Now()

	payload, err := json.Marshal(map[string]string{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, models.NewInternalError("EMBED_MARSHAL_FAILED", "failed to marshal embedding request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, models.NewInternalError("EMBED_REQUEST_FAILED", "failed to build embedding request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapExternalError("OLLAMA", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, models.NewExternalError("OLLAMA_EMBED_FAILED",
			fmt.Sprintf("embedding request returned status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var parsed struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.WrapExternalError("OLLAMA", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, models.NewExternalError("OLLAMA_EMPTY_EMBEDDING", "embedding response contained no vector")
	}

	e.logger.LogService("ollama", "embed", time.Since(start), map[string]interface{}{
		"model":      e.model,
		"dimensions": len(parsed.Embedding),
	}, nil)

	return parsed.Embedding, nil
}

func promptLength(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
