package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"transcribeengine/internal/apierr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatSucceedsOnFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "gemma-2-2b-jpn-it", "response": "こんにちは", "done": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "gemma-2-2b-jpn-it", 5*time.Second)
	res, err := c.Chat(context.Background(), "system", "user", Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "こんにちは", res.Text)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "gemma", "response": "ok", "done": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "gemma", 5*time.Second)
	retries := 0
	res, err := c.Chat(context.Background(), "system", "user", Options{}, func(attempt int, err error) { retries++ })
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, retries)
}

func TestChatFailsAfterExhaustingRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "gemma", 5*time.Second)
	_, err := c.Chat(context.Background(), "system", "user", Options{}, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.LLMUnavailable, apiErr.Code)
	assert.False(t, apiErr.Retryable, "a fully-exhausted retry budget must not be retried again upstream")
	assert.Equal(t, int32(3), calls.Load(), "one initial attempt plus 2 retries")
}

func TestChat4xxIsFatalAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "gemma", 5*time.Second)
	_, err := c.Chat(context.Background(), "system", "user", Options{}, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.LLMBadResponse, apiErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatModelMissingMaps404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "nonexistent-model", 5*time.Second)
	_, err := c.Chat(context.Background(), "system", "user", Options{}, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.LLMModelMissing, apiErr.Code)
}

func TestChatMissingResponseFieldIsBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "gemma", "done": true})
	}))
	defer srv.Close()

	c := New(srv.URL, "gemma", 5*time.Second)
	_, err := c.Chat(context.Background(), "system", "user", Options{}, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.LLMBadResponse, apiErr.Code)
}

func TestChatConnectionRefusedIsRetryableUnavailable(t *testing.T) {
	// A server started and then closed: every attempt is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // now guaranteed nobody is listening there

	c := New(url, "gemma", 2*time.Second)
	retries := 0
	_, err := c.Chat(context.Background(), "system", "user", Options{}, func(attempt int, err error) { retries++ })
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.LLMUnavailable, apiErr.Code)
	assert.Equal(t, 2, retries, "a refused connection is retried twice before giving up")
}
