package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const defaultEmbedTimeout = 15 * time.Second

// EmbedderConfig configures the embedding client. Dimension, when non-zero,
// is enforced against every response so a misconfigured model cannot poison
// a store that has already pinned its vector width.
type EmbedderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type HTTPEmbedder struct {
	apiKey      string
	baseURL     string
	model       string
	expectedDim int
	httpClient  *http.Client
}

// NewHTTPEmbedder creates an embedding client.
func NewHTTPEmbedder(cfg EmbedderConfig) *HTTPEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultEmbedTimeout
	}
	return &HTTPEmbedder{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed maps text to a fixed-dimension vector.
func (c *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, newError("embed", 0, "empty text")
	}
	if c.baseURL == "" {
		return nil, newError("embed", 0, "missing base url")
	}
	if c.model == "" {
		return nil, newError("embed", 0, "missing model")
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: trimmed})
	if err != nil {
		return nil, newError("embed", 0, fmt.Sprintf("marshal request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, newError("embed", 0, fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError("embed", 0, fmt.Sprintf("send request: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError("embed", resp.StatusCode, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError("embed", resp.StatusCode, string(respBody))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, newError("embed", resp.StatusCode, fmt.Sprintf("decode response: %v", err))
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, newError("embed", resp.StatusCode, "empty embedding in response")
	}

	vector := decoded.Data[0].Embedding
	if c.expectedDim > 0 && len(vector) != c.expectedDim {
		return nil, newError("embed", resp.StatusCode,
			fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(vector), c.expectedDim))
	}

	out := make([]float32, len(vector))
	copy(out, vector)
	return out, nil
}
