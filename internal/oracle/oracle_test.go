package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolforge/internal/config"
)

func newTestOpenAI(url string) *OpenAIClient {
	c := NewOpenAIClient(Options{APIKey: "sk-test", BaseURL: url, Model: "test-model", Timeout: 5 * time.Second})
	c.backoff = time.Millisecond
	return c
}

func requireFailure(t *testing.T, err error, reason FailureReason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailed)
	var gf *GenerationFailure
	require.True(t, errors.As(err, &gf), "expected GenerationFailure, got %T", err)
	assert.Equal(t, reason, gf.Reason)
}

func TestOpenAIGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "write add", req.Messages[1].Content)
		w.Write([]byte(`{"choices":[{"message":{"content":"  def add(a, b):\n    return a + b\n"}}]}`))
	}))
	defer ts.Close()

	got, err := newTestOpenAI(ts.URL).Generate(context.Background(), Prompt{System: "sys", User: "write add"})
	require.NoError(t, err)
	assert.Equal(t, "def add(a, b):\n    return a + b", got)
}

func TestOpenAIRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	got, err := newTestOpenAI(ts.URL).Generate(context.Background(), Prompt{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenAIFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		reason  FailureReason
		retried bool
	}{
		{name: "rejected", status: http.StatusBadRequest, body: `{"error":{"message":"bad model"}}`, reason: Unreachable},
		{name: "server down", status: http.StatusBadGateway, body: "upstream", reason: Unreachable, retried: true},
		{name: "malformed", status: http.StatusOK, body: "<html>", reason: Unusable},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, reason: Unusable},
		{name: "empty text", status: http.StatusOK, body: `{"choices":[{"message":{"content":"   "}}]}`, reason: Unusable},
		{name: "api error", status: http.StatusOK, body: `{"error":{"message":"quota"}}`, reason: Unusable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			c := newTestOpenAI(ts.URL)
			_, err := c.Generate(context.Background(), Prompt{User: "x"})
			requireFailure(t, err, tt.reason)
			if tt.retried {
				assert.Equal(t, int32(c.maxRetries+1), calls.Load())
			} else {
				assert.Equal(t, int32(1), calls.Load())
			}
		})
	}
}

func TestOpenAIUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := newTestOpenAI(url).Generate(context.Background(), Prompt{User: "x"})
	requireFailure(t, err, Unreachable)

	_, err = NewOpenAIClient(Options{}).Generate(context.Background(), Prompt{User: "x"})
	requireFailure(t, err, Unreachable)
}

func TestOpenAIHonorsTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := newTestOpenAI(ts.URL)
	c.opts.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := c.Generate(context.Background(), Prompt{User: "x"})
	requireFailure(t, err, Unreachable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGenAIGenerate(t *testing.T) {
	var path atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "systemInstruction")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"` + "```python\\ndef f():\\n    return 1\\n```" + `"}]},"finishReason":"STOP"}]}`))
	}))
	defer ts.Close()

	c, err := NewGenAIClient(context.Background(), Options{APIKey: "k", BaseURL: ts.URL, Model: "gemini-test"})
	require.NoError(t, err)
	got, err := c.Generate(context.Background(), Prompt{System: "sys", User: "write f"})
	require.NoError(t, err)
	assert.Contains(t, path.Load(), "gemini-test:generateContent")
	assert.Equal(t, "def f():\n    return 1", ExtractCode(got))

	_, err = NewGenAIClient(context.Background(), Options{})
	assert.Error(t, err)
}

func TestGenAIFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "empty") {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"candidates":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"key revoked","status":"PERMISSION_DENIED"}}`))
	}))
	defer ts.Close()

	c, err := NewGenAIClient(context.Background(), Options{APIKey: "k", BaseURL: ts.URL, Model: "denied"})
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Prompt{User: "x"})
	requireFailure(t, err, Unreachable)

	c, err = NewGenAIClient(context.Background(), Options{APIKey: "k", BaseURL: ts.URL, Model: "empty"})
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Prompt{User: "x"})
	requireFailure(t, err, Unusable)
}

func TestNew(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(cfg)
	assert.Error(t, err)

	cfg.Oracle.APIKey = "sk"
	o, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, o)

	cfg.Oracle.Provider = "gemini"
	o, err = New(cfg)
	require.NoError(t, err)
	g := o.(*GenAIClient)
	assert.Equal(t, "gemini-2.5-pro", g.opts.Model)

	cfg.Oracle.Provider = "llama"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var o Oracle = Func(func(ctx context.Context, p Prompt) (string, error) { return "echo " + p.User, nil })
	got, err := o.Generate(context.Background(), Prompt{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", got)
}
