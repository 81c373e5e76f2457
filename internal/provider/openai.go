// Package provider talks to OpenAI-compatible chat completion backends.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/soaringjerry/homophily/internal/models"
)

var ErrNoAPIKey = errors.New("provider: api key not configured")

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream http error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("upstream http error: status=%d body=%s", e.StatusCode, e.Body)
}

type Options struct {
	BaseURL       string
	APIKey        string
	StreamTimeout time.Duration
}

// OpenAI streams chat completions over server-sent events.
type OpenAI struct {
	endpoint      string
	apiKey        string
	streamTimeout time.Duration
	httpClient    *http.Client
}

func NewOpenAI(opts Options) *OpenAI {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &OpenAI{
		endpoint:      NormalizeEndpoint(opts.BaseURL),
		apiKey:        strings.TrimSpace(opts.APIKey),
		streamTimeout: opts.StreamTimeout,
		httpClient:    &http.Client{Transport: tr},
	}
}

// NewWithHTTPClient swaps the transport, for tests.
func NewWithHTTPClient(opts Options, client *http.Client) *OpenAI {
	o := NewOpenAI(opts)
	if client != nil {
		o.httpClient = client
	}
	return o
}

// NormalizeEndpoint accepts a bare host, a /v1 base or a full chat completions URL.
func NormalizeEndpoint(base string) string {
	endpoint := strings.TrimRight(strings.TrimSpace(base), "/")
	if endpoint == "" {
		endpoint = "https://api.openai.com"
	}
	switch {
	case strings.HasSuffix(endpoint, "/chat/completions"):
		return endpoint
	case strings.HasSuffix(endpoint, "/v1"):
		return endpoint + "/chat/completions"
	default:
		return endpoint + "/v1/chat/completions"
	}
}

type chatCompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream"`
}

type chatCompletionStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta,omitempty"`
		Text         string  `json:"text,omitempty"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error any `json:"error,omitempty"`
}

// StreamCompletion posts req with stream=true and calls onDelta for every content fragment.
// A stream that ends before [DONE] or a finish_reason returns the partial text with io.ErrUnexpectedEOF.
func (o *OpenAI) StreamCompletion(ctx context.Context, req models.CompletionRequest, onDelta func(string) error) (string, error) {
	if o.apiKey == "" {
		return "", ErrNoAPIKey
	}
	if len(req.Messages) == 0 {
		return "", errors.New("provider: no messages")
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}); err != nil {
		return "", err
	}

	if o.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.streamTimeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, &buf)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var (
		full     strings.Builder
		finished bool
	)
	err = streamSSE(resp.Body, func(_ string, data string) error {
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			finished = true
			return nil
		}
		if data == "" {
			return nil
		}
		var chunk chatCompletionStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil
		}
		if chunk.Error != nil {
			b, _ := json.Marshal(chunk.Error)
			return fmt.Errorf("upstream stream error: %s", string(b))
		}
		for _, c := range chunk.Choices {
			if c.FinishReason != nil && *c.FinishReason != "" {
				finished = true
			}
			delta := c.Delta.Content
			if delta == "" {
				delta = c.Text
			}
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return full.String(), err
	}
	if !finished {
		return full.String(), io.ErrUnexpectedEOF
	}
	return full.String(), nil
}
