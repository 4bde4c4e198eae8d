// OpenAI-compatible embeddings HTTP client, in the wire-shape/HTTP-client
// idiom of the teacher's heimdall chat generator, with a token-bucket rate
// limiter and bounded retries on transient failures layered on top.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.openai.com"
	embeddingsPath = "/v1/embeddings"
	defaultModel   = "text-embedding-3-small"
)

// Config configures an OpenAIClient.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestsPerSec float64 // token-bucket refill rate; 0 disables limiting
	Burst          int
	MaxRetries     int
	RequestTimeout time.Duration
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		Model:          defaultModel,
		RequestsPerSec: 10,
		Burst:          10,
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
	}
}

// OpenAIClient implements Client against an OpenAI-compatible embeddings
// endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIClient constructs a client from cfg. Returns an error if APIKey
// is empty.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding: openai client requires an API key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		limiter:    limiter,
	}, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Ready issues a minimal single-text embedding call to confirm the
// endpoint and API key are usable.
func (c *OpenAIClient) Ready(ctx context.Context) error {
	_, err := c.Embed(ctx, []string{"ready"})
	return err
}

// Embed embeds texts, retrying transient (5xx, timeout, rate-limited)
// failures with linear backoff up to maxRetries.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) (Result, error) {
	if len(texts) == 0 {
		return Result{}, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Result{}, fmt.Errorf("embedding: rate limiter: %w", err)
			}
		}

		result, retryable, err := c.embedOnce(ctx, texts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("embedding: exhausted %d retries: %w", c.maxRetries, lastErr)
}

func (c *OpenAIClient) embedOnce(ctx context.Context, texts []string) (Result, bool, error) {
	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts})
	if err != nil {
		return Result{}, false, fmt.Errorf("embedding: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embeddingsPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, false, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, true, fmt.Errorf("embedding: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, true, fmt.Errorf("embedding: transient status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, false, fmt.Errorf("embedding: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, false, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return Result{}, false, fmt.Errorf("embedding: expected %d vectors, got %d", len(texts), len(parsed.Data))
	}

	dim := len(parsed.Data[0].Embedding)
	out := make([]float32, 0, dim*len(texts))
	byIndex := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		byIndex[d.Index] = d.Embedding
	}
	for _, v := range byIndex {
		if len(v) != dim {
			return Result{}, false, fmt.Errorf("embedding: inconsistent vector dimension in response")
		}
		out = append(out, v...)
	}
	return Result{Vectors: out, Dim: dim}, false, nil
}
