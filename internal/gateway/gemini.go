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

// GeminiClient speaks the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(apiKey, baseURL string, timeout time.Duration) *GeminiClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Provider returns the provider name.
func (c *GeminiClient) Provider() string {
	return "gemini"
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Complete sends a generateContent request. Conversation roles map to the
// Gemini vocabulary: assistant turns become "model".
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.GatewayDebug("[Gemini] Complete: model=%s system_len=%d messages=%d", req.Model, len(req.System), len(req.Messages))

	if c.apiKey == "" {
		logging.GatewayError("[Gemini] Complete: API key not configured")
		return nil, newError(KindAuth, c.Provider(), req.Model, fmt.Errorf("API key not configured"))
	}

	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	reqBody := geminiRequest{
		Contents: contents,
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if strings.TrimSpace(req.System) != "" {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.System}},
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, newError(KindTransport, c.Provider(), req.Model, fmt.Errorf("failed to marshal request: %w", err))
	}

	// Rate limiting
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)

	maxRetries := 3
	var lastErr *Error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, newError(KindTransport, c.Provider(), req.Model, fmt.Errorf("failed to create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

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

		var parsed geminiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model, fmt.Errorf("failed to parse response: %w", err))
		}

		if parsed.Error != nil {
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model,
				fmt.Errorf("API error %d (%s): %s", parsed.Error.Code, parsed.Error.Status, parsed.Error.Message))
		}

		if len(parsed.Candidates) == 0 {
			logging.GatewayError("[Gemini] Complete: no candidates returned")
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model, fmt.Errorf("no candidates returned"))
		}

		var sb strings.Builder
		for _, part := range parsed.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		text := strings.TrimSpace(sb.String())
		if text == "" {
			return nil, newError(KindInvalidResponse, c.Provider(), req.Model, fmt.Errorf("empty candidate text"))
		}

		logging.Gateway("[Gemini] Complete: model=%s completed in %v response_len=%d", req.Model, time.Since(startTime), len(text))
		return &Completion{
			Text:         text,
			Model:        req.Model,
			PromptTokens: parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}, nil
	}

	logging.GatewayError("[Gemini] Complete: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return nil, lastErr
}
