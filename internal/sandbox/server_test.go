package sandbox

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type boundary struct {
	server *httptest.Server
	client *Client
	output string
}

func startBoundary(t *testing.T, mutate func(*ServerConfig)) *boundary {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.InputRoot = t.TempDir()
	cfg.OutputRoot = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg, NewDefaultLoader(LoaderConfig{AllowedGoImports: testGoImports}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &boundary{
		server: ts,
		client: NewClient(ClientConfig{Endpoint: ts.URL, Secret: cfg.Secret, OutputRoot: cfg.OutputRoot, Timeout: 10 * time.Second}),
		output: cfg.OutputRoot,
	}
}

func starlarkRequest(fn string, args map[string]interface{}) Request {
	return Request{
		Module:       Module{Name: "adapter", Language: LanguageStarlark, Source: starlarkAdapter + "\ndef big(n):\n    return \"x\" * n\n"},
		FunctionName: fn,
		Arguments:    args,
	}
}

func TestInvokeSuccess(t *testing.T) {
	b := startBoundary(t, nil)
	ctx := context.Background()
	require.NoError(t, b.client.WaitReady(ctx, 5*time.Second))

	o := b.client.Invoke(ctx, starlarkRequest("add", map[string]interface{}{"a": 2, "b": 3}))
	require.Equal(t, OutcomeSuccess, o.Kind, o.Summary())
	assert.Equal(t, float64(5), o.Result)
	assert.Empty(t, o.ResultPath)

	o = b.client.Invoke(ctx, starlarkRequest("describe", nil))
	require.Equal(t, OutcomeSuccess, o.Kind, o.Summary())
	assert.Equal(t, "hi\n", o.Stdout)
}

func TestInvokeGoModule(t *testing.T) {
	b := startBoundary(t, nil)
	req := Request{
		Module:       Module{Name: "adapter", Language: LanguageGo, Source: goAdd},
		FunctionName: "add",
		Arguments:    map[string]interface{}{"a": 20, "b": 22},
	}
	o := b.client.Invoke(context.Background(), req)
	require.Equal(t, OutcomeSuccess, o.Kind, o.Summary())
	assert.Equal(t, float64(42), o.Result)

	// Strings are not integers: the adapter raises and the boundary reports it.
	req.Arguments = map[string]interface{}{"a": "20", "b": 22}
	o = b.client.Invoke(context.Background(), req)
	assert.Equal(t, OutcomeRuntimeError, o.Kind)
	assert.Equal(t, "error", o.ErrorKind)
	assert.Contains(t, o.Message, "a must be an integer")
}

func TestInvokeRuntimeError(t *testing.T) {
	b := startBoundary(t, nil)
	o := b.client.Invoke(context.Background(), starlarkRequest("reject", map[string]interface{}{"a": "q"}))
	assert.Equal(t, OutcomeRuntimeError, o.Kind)
	assert.Equal(t, "EvalError", o.ErrorKind)
	assert.Contains(t, o.Message, "bad input: q")
	assert.NotEmpty(t, o.Trace)
	assert.False(t, o.Recyclable())

	// A module that fails to load is the code's fault too.
	o = b.client.Invoke(context.Background(), Request{
		Module:       Module{Name: "bad", Language: LanguageStarlark, Source: "def broken(:"},
		FunctionName: "broken",
	})
	assert.Equal(t, OutcomeRuntimeError, o.Kind)
	assert.Equal(t, "SyntaxError", o.ErrorKind)
}

func TestInvokeTimeout(t *testing.T) {
	b := startBoundary(t, func(c *ServerConfig) { c.InvokeTimeout = 100 * time.Millisecond })
	o := b.client.Invoke(context.Background(), starlarkRequest("spin", nil))
	assert.Equal(t, OutcomeTimeout, o.Kind)
	assert.Equal(t, ErrorKindTimeout, o.ErrorKind)
	assert.True(t, o.Recyclable())
}

func TestInvokeLargeResultSpills(t *testing.T) {
	b := startBoundary(t, func(c *ServerConfig) { c.InlineResultLimit = 64 })
	o := b.client.Invoke(context.Background(), starlarkRequest("big", map[string]interface{}{"n": 1000}))
	require.Equal(t, OutcomeSuccess, o.Kind, o.Summary())
	assert.Nil(t, o.Result)
	require.NotEmpty(t, o.ResultPath)
	assert.True(t, strings.HasPrefix(o.ResultPath, b.output))

	data, err := os.ReadFile(o.ResultPath)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Len(t, s, 1000)
}

func TestInvokePathArguments(t *testing.T) {
	var inputRoot string
	b := startBoundary(t, func(c *ServerConfig) { inputRoot = c.InputRoot })
	req := Request{
		Module:       Module{Name: "adapter", Language: LanguageStarlark, Source: "def where(f):\n    return f\n"},
		FunctionName: "where",
		Arguments:    map[string]interface{}{"f": map[string]interface{}{PathKey: "data/a.csv"}},
	}
	o := b.client.Invoke(context.Background(), req)
	require.Equal(t, OutcomeSuccess, o.Kind, o.Summary())
	assert.Equal(t, inputRoot+"/data/a.csv", o.Result)
}

func TestInvokeAuth(t *testing.T) {
	secret := []byte("per-environment-secret")
	b := startBoundary(t, func(c *ServerConfig) { c.Secret = secret })

	o := b.client.Invoke(context.Background(), starlarkRequest("add", map[string]interface{}{"a": 1, "b": 1}))
	require.Equal(t, OutcomeSuccess, o.Kind, o.Summary())

	unsigned := NewClient(ClientConfig{Endpoint: b.server.URL})
	o = unsigned.Invoke(context.Background(), starlarkRequest("add", map[string]interface{}{"a": 1, "b": 1}))
	assert.Equal(t, OutcomeEnvironmentError, o.Kind)
	assert.Contains(t, o.Message, "credentials")

	wrong := NewClient(ClientConfig{Endpoint: b.server.URL, Secret: []byte("other")})
	o = wrong.Invoke(context.Background(), starlarkRequest("add", map[string]interface{}{"a": 1, "b": 1}))
	assert.Equal(t, OutcomeEnvironmentError, o.Kind)

	// Liveness needs no token.
	assert.NoError(t, unsigned.Alive(context.Background()))
}

func TestInvokeBadRequest(t *testing.T) {
	b := startBoundary(t, nil)
	o := b.client.Invoke(context.Background(), Request{Module: Module{Language: LanguageStarlark}})
	assert.Equal(t, OutcomeRuntimeError, o.Kind)
	assert.Equal(t, ErrorKindBadRequest, o.ErrorKind)
	assert.False(t, o.Recyclable())

	// The boundary stays usable.
	o = b.client.Invoke(context.Background(), starlarkRequest("add", map[string]interface{}{"a": 1, "b": 2}))
	assert.Equal(t, OutcomeSuccess, o.Kind)
}

func TestClientClassifiesBrokenBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    OutcomeKind
		message string
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "worker crashed", http.StatusBadGateway)
			},
			want:    OutcomeEnvironmentError,
			message: "worker crashed",
		},
		{
			name: "bare bad request",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no", http.StatusBadRequest)
			},
			want:    OutcomeEnvironmentError,
			message: "HTTP 400",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			want:    OutcomeEnvironmentError,
			message: "malformed",
		},
		{
			name: "unknown status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status":"maybe"}`))
			},
			want:    OutcomeEnvironmentError,
			message: "unknown status",
		},
		{
			name: "error without detail",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status":"error"}`))
			},
			want:    OutcomeEnvironmentError,
			message: "without error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()
			o := NewClient(ClientConfig{Endpoint: ts.URL}).Invoke(context.Background(), starlarkRequest("add", nil))
			assert.Equal(t, tt.want, o.Kind)
			assert.Contains(t, o.Message, tt.message)
		})
	}
}

func TestClientDeadlineIsTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := NewClient(ClientConfig{Endpoint: ts.URL, Timeout: 100 * time.Millisecond})
	o := c.Invoke(context.Background(), starlarkRequest("add", nil))
	assert.Equal(t, OutcomeTimeout, o.Kind)
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewClient(ClientConfig{Endpoint: url})
	o := c.Invoke(context.Background(), starlarkRequest("add", nil))
	assert.Equal(t, OutcomeEnvironmentError, o.Kind)
	assert.Contains(t, o.Message, "unreachable")

	err := c.WaitReady(context.Background(), 300*time.Millisecond)
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(DefaultServerConfig(), NewDefaultLoader(LoaderConfig{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := NewClient(ClientConfig{Endpoint: "http://" + ln.Addr().String()})
	require.NoError(t, c.WaitReady(context.Background(), 5*time.Second))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSignToken(t *testing.T) {
	secret := []byte("s")
	token, err := SignToken(secret, "adapter", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/invoke", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.NoError(t, verifyRequest(req, secret))
	assert.Error(t, verifyRequest(req, []byte("other")))

	expired, err := SignToken(secret, "adapter", -time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	assert.Error(t, verifyRequest(req, secret))

	req.Header.Del("Authorization")
	assert.ErrorIs(t, verifyRequest(req, secret), errMissingToken)

	s1, err := NewSecret()
	require.NoError(t, err)
	assert.Len(t, s1, 64)
}
