package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"concierge/internal/logging"
)

// OpenAIClient speaks the OpenAI chat completions wire format. It also covers
// any OpenAI-compatible server (local gateways, proxies) via base URL.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Provider returns the provider name.
func (c *OpenAIClient) Provider() string {
	return "openai"
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends a chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.GatewayDebug("[OpenAI] Complete: model=%s system_len=%d messages=%d", req.Model, len(req.System), len(req.Messages))

	if c.apiKey == "" {
		logging.GatewayError("[OpenAI] Complete: API key not configured")
		return nil, newError(KindAuth, c.Provider(), req.Model, fmt.Errorf("API key not configured"))
	}

	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	reqBody := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newError(KindTransport, c.Provider(), req.Model, fmt.Errorf("failed to marshal request: %w", err))
	}

	// Retry loop for rate limits and transient transport failures
	maxRetries := 3
	var lastErr *Error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, newError(KindTransport, c.Provider(), req.Model, fmt.Errorf("failed to create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = newError(KindTransport, c.Provider(), req.Model, fmt.Errorf("request failed: %w", err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = newError(KindTransport, c.Provider(), req.Model, fmt.Errorf("failed to read response: %w", err))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = newError(KindRateLimited, c.Provider(), req.Model, fmt.Errorf("rate limit exceeded (429)"))
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, newError(KindAuth, c.Provider(), req.Model,
				fmt.Errorf("request rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}

		if resp.StatusCode != http.StatusOK {
			return nil, newError(KindTransport, c.Provider(), req.Model,
				fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}

		var parsed openAIResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model, fmt.Errorf("failed to parse response: %w", err))
		}

		if parsed.Error != nil {
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model, fmt.Errorf("API error: %s", parsed.Error.Message))
		}

		if len(parsed.Choices) == 0 {
			logging.GatewayError("[OpenAI] Complete: no completion returned")
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model, fmt.Errorf("no completion returned"))
		}

		text := strings.TrimSpace(parsed.Choices[0].Message.Content)
		model := parsed.Model
		if model == "" {
			model = req.Model
		}

		logging.Gateway("[OpenAI] Complete: model=%s completed in %v response_len=%d", model, time.Since(startTime), len(text))
		return &Completion{
			Text:         text,
			Model:        model,
			PromptTokens: parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		}, nil
	}

	logging.GatewayError("[OpenAI] Complete: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return nil, lastErr
}
