// Package llm is the fair's gateway to the remote text-generation service: a
// chat-completions HTTP transport, one serialized dispatch queue with timeout and
// retry, JSON extraction and validation, and the blessing caches.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	ErrServiceTimeout     = errors.New("service timeout")
	ErrServiceMalformed   = errors.New("service response malformed")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrGatewayClosed      = errors.New("gateway closed")
	ErrGatewayDisabled    = errors.New("gateway disabled")
)

const maxErrorBodyReadSize = 64 * 1024

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire payload. Field names and order are the service's contract.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// chatResponse is the wire response: choices on success, error otherwise.
type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// Transport performs one completion attempt.
type Transport interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// HTTPTransport posts chat requests to the proxy endpoint.
type HTTPTransport struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport for endpoint.
// Returns nil if endpoint is empty (remote generation disabled).
func NewHTTPTransport(endpoint, token string) *HTTPTransport {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return &HTTPTransport{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		// Per-attempt deadlines come from the gateway's context.
		httpClient: &http.Client{},
	}
}

// Enabled returns true if the transport has an endpoint.
func (c *HTTPTransport) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Complete sends one chat request and returns the first choice's content.
func (c *HTTPTransport) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if !c.Enabled() {
		return "", ErrGatewayDisabled
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("chat call: %w", ErrServiceTimeout)
		}
		return "", fmt.Errorf("chat call: %v: %w", err, ErrServiceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))
		return "", fmt.Errorf("chat error %d: %s: %w", resp.StatusCode, serviceErrorText(respBody), ErrServiceUnavailable)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("read response: %w", ErrServiceTimeout)
		}
		return "", fmt.Errorf("read response: %v: %w", err, ErrServiceUnavailable)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("unmarshal response: %v: %w", err, ErrServiceMalformed)
	}
	if len(chat.Error) > 0 && string(chat.Error) != "null" {
		return "", fmt.Errorf("chat error: %s: %w", serviceErrorText(chat.Error), ErrServiceUnavailable)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("empty response: %w", ErrServiceMalformed)
	}

	slog.Debug("chat call",
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"max_tokens", req.MaxTokens,
	)

	return chat.Choices[0].Message.Content, nil
}

// serviceErrorText pulls a readable message out of an error body, which may be a
// bare string, an object with a message field, or anything else.
func serviceErrorText(raw []byte) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && len(env.Error) > 0 {
		raw = env.Error
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}
