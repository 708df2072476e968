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

const (
	// DefaultBaseURL is the Perplexity API endpoint. Any OpenAI-compatible
	// /chat/completions endpoint works.
	DefaultBaseURL = "https://api.perplexity.ai"

	defaultCompleteTimeout = 60 * time.Second
)

// SonarConfig configures a completion client.
type SonarConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// SonarClient talks to an OpenAI-compatible chat completion endpoint and
// adapts the response into the typed ChatResponse, including the citation
// URLs Perplexity attaches to search-grounded answers.
type SonarClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewSonarClient creates a completion client. The zero-value config falls
// back to the Perplexity endpoint with a 60s timeout; the API key may still
// be empty here and is validated per call.
func NewSonarClient(cfg SonarConfig) *SonarClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCompleteTimeout
	}
	return &SonarClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     Usage    `json:"usage"`
}

// Complete issues one synchronous completion call.
func (c *SonarClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, newError("complete", 0, "missing api key")
	}
	if req.Model == "" {
		return nil, newError("complete", 0, "missing model")
	}
	if len(req.Messages) == 0 {
		return nil, newError("complete", 0, "empty message list")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, newError("complete", 0, fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, newError("complete", 0, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newError("complete", 0, fmt.Sprintf("send request: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError("complete", resp.StatusCode, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError("complete", resp.StatusCode, string(respBody))
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, newError("complete", resp.StatusCode, fmt.Sprintf("decode response: %v", err))
	}
	if len(decoded.Choices) == 0 {
		return nil, newError("complete", resp.StatusCode, "empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, newError("complete", resp.StatusCode, "empty content in response")
	}

	return &ChatResponse{
		Content:   content,
		Citations: decoded.Citations,
		Usage:     decoded.Usage,
	}, nil
}
