// Package ai wraps the chat-completions provider behind a small client.
// The client performs no retries of its own: backoff and throttling are
// owned by the rate limiter the callers route through. Its job is to make
// one attempt and classify the outcome.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/wa-marketing-back/internal/ratelimit"
)

var ErrUnavailable = errors.New("ai provider not configured")

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

type Client struct {
	apiKey      string
	baseURL     string
	model       string
	timeout     time.Duration
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "gpt-4.1-mini"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Temperature <= 0 {
		config.Temperature = 0.7
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 800
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &Client{
		apiKey:      strings.TrimSpace(config.APIKey),
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		model:       config.Model,
		timeout:     config.Timeout,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		httpClient:  config.HTTPClient,
	}
}

// Available reports whether a usable credential is configured. The job
// queues use this as their upstream-capacity gate before dequeueing.
func (c *Client) Available() bool {
	return c.apiKey != ""
}

// GenerateReply produces one reply for the buffered conversation batch.
func (c *Client) GenerateReply(ctx context.Context, history []string) (string, error) {
	instructions := "You are a helpful marketing assistant replying on WhatsApp. " +
		"Answer the contact's messages below in one concise reply, in their language."
	return c.generate(ctx, instructions, strings.Join(history, "\n"))
}

// GenerateReport produces a conversation report for the referenced
// conversation.
func (c *Client) GenerateReport(ctx context.Context, conversationID string) (string, error) {
	instructions := "You produce short structured performance reports for WhatsApp " +
		"marketing conversations. Use plain text sections."
	return c.generate(ctx, instructions, "Generate the report for conversation "+conversationID+".")
}

func (c *Client) generate(ctx context.Context, instructions, input string) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(input) == "" {
		return "", errors.New("input is required")
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": instructions},
			{"role": "user", "content": input},
		},
		"temperature": c.temperature,
		"max_tokens":  c.maxTokens,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal provider payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(
		timeoutCtx,
		http.MethodPost,
		c.baseURL+"/chat/completions",
		bytes.NewReader(encoded),
	)
	if err != nil {
		return "", fmt.Errorf("create provider request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("provider timeout: %w", err)
		}
		return "", fmt.Errorf("provider transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read provider body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		if response.StatusCode == http.StatusTooManyRequests {
			return "", &ratelimit.RateLimitedError{
				StatusCode: response.StatusCode,
				Message:    message,
			}
		}
		return "", &providerHTTPError{StatusCode: response.StatusCode, Message: message}
	}

	var raw chatCompletionsResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}

	text := extractText(raw)
	if strings.TrimSpace(text) == "" {
		return "", errors.New("provider response without text output")
	}
	return text, nil
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func extractText(response chatCompletionsResponse) string {
	if len(response.Choices) == 0 {
		return ""
	}
	content := response.Choices[0].Message.Content
	switch typed := content.(type) {
	case string:
		return strings.TrimSpace(typed)
	case []any:
		fragments := make([]string, 0, len(typed))
		for _, item := range typed {
			fragment, ok := item.(map[string]any)
			if !ok {
				continue
			}
			textValue, _ := fragment["text"].(string)
			if strings.TrimSpace(textValue) == "" {
				continue
			}
			fragments = append(fragments, strings.TrimSpace(textValue))
		}
		return strings.TrimSpace(strings.Join(fragments, "\n"))
	default:
		return ""
	}
}

type providerHTTPError struct {
	StatusCode int
	Message    string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

func (e *providerHTTPError) HTTPStatus() int {
	return e.StatusCode
}
