// Package llmclient is the LLMClient adapter (spec §4.C): a pure
// adapter speaking HTTP to a local LLM host's non-streaming /api/generate
// endpoint. Grounded directly on internal/llm/ollama.go (OllamaService:
// http.Client with timeout, JSON request/response structs), adapted
// from the teacher's multi-turn /api/chat to spec's single
// system+user-prompt /api/generate. The retry loop (2 retries, 1s/4s
// backoff, network+5xx only) is new — the teacher's ollama.go has none
// — grounded on internal/webhook/service.go's maxRetries loop shape.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transcribeengine/internal/apierr"
)

// Result is LLMClient.Chat's success value.
type Result struct {
	Text         string
	ModelID      string
	FinishReason string
}

// Options carries optional generation parameters forwarded to the LLM
// host as part of the request body.
type Options struct {
	Temperature float64
}

// retryBackoff is the fixed 1s/4s schedule spec §4.C specifies.
var retryBackoff = []time.Duration{1 * time.Second, 4 * time.Second}

// Client is a pure adapter: no retry of business logic, no persistence,
// no orchestration — only the HTTP call and its retry/timeout policy.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// New constructs a Client targeting baseURL (e.g.
// http://127.0.0.1:11434) with the given default model and per-call
// timeout.
func New(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Chat sends one non-streaming generation request. It retries up to 2
// additional times with 1s/4s backoff for network-level failures and
// 5xx responses only; 4xx responses (including a missing model, which
// the host reports as 404) are fatal and returned immediately. onRetry,
// if non-nil, is invoked before each backoff sleep so the caller can
// record the attempt (the client itself persists nothing).
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string, opts Options, onRetry func(attempt int, err error)) (Result, error) {
	body := generateRequest{
		Model:  c.model,
		System: systemPrompt,
		Prompt: userPrompt,
		Stream: false,
	}
	if opts.Temperature > 0 {
		body.Options = map[string]any{"temperature": opts.Temperature}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.LLMBadResponse, "marshal llm request", err)
	}

	for attempt := 0; ; attempt++ {
		res, err := c.doOnce(ctx, payload)
		if err == nil {
			return res, nil
		}

		apiErr, ok := apierr.As(err)
		if !ok || !apiErr.Retryable || attempt >= len(retryBackoff) {
			if ok {
				// Retries (if any) are exhausted; nothing upstream
				// should retry this result again.
				final := *apiErr
				final.Retryable = false
				return Result{}, &final
			}
			return Result{}, err
		}

		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return Result{}, apierr.Wrap(apierr.LLMTimeout, "context cancelled during retry backoff", ctx.Err())
		}
	}
}

// Ping reports whether the LLM host is reachable, for GET /health. It
// makes no inference request and does not count against any retry
// budget.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("llm host returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, payload []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return Result{}, apierr.Wrap(apierr.LLMUnavailable, "build llm request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, apierr.Retry(apierr.LLMTimeout, "llm request timed out", err)
		}
		return Result{}, apierr.Retry(apierr.LLMUnavailable, "llm connection failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{}, apierr.New(apierr.LLMModelMissing, fmt.Sprintf("model %q not found", c.model))
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return Result{}, apierr.Retry(apierr.LLMUnavailable, fmt.Sprintf("llm server error: %d %s", resp.StatusCode, string(body)), nil)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return Result{}, apierr.New(apierr.LLMBadResponse, fmt.Sprintf("llm request rejected: %d %s", resp.StatusCode, string(body)))
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, apierr.Wrap(apierr.LLMBadResponse, "decode llm response", err)
	}
	if parsed.Response == "" {
		return Result{}, apierr.New(apierr.LLMBadResponse, "llm response missing 'response' field")
	}

	finishReason := "stop"
	if !parsed.Done {
		finishReason = "incomplete"
	}

	return Result{Text: parsed.Response, ModelID: parsed.Model, FinishReason: finishReason}, nil
}
