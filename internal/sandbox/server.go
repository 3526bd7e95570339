package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"toolforge/internal/logging"
)

const maxRequestBodyBytes = 64 << 20

// ServerConfig configures the boundary service.
type ServerConfig struct {
	Addr          string
	InvokeTimeout time.Duration
	// InlineResultLimit is the largest encoded result returned in the
	// response body. Zero disables spilling to the output root.
	InlineResultLimit int
	InputRoot         string
	OutputRoot        string
	// Secret enables bearer-token auth on /invoke when non-empty.
	Secret []byte
	// MaxConnections caps concurrent connections on the listener.
	MaxConnections int
}

// DefaultServerConfig returns the settings `forge serve` uses when the
// config file does not override them.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8000",
		InvokeTimeout:     5 * time.Minute,
		InlineResultLimit: 256 * 1024,
		InputRoot:         "/mount/input",
		OutputRoot:        "/mount/output",
		MaxConnections:    16,
	}
}

// Server executes one invocation at a time.
type Server struct {
	cfg    ServerConfig
	loader *Loader

	// invokeMu serializes invocations; generated code shares one process.
	invokeMu sync.Mutex

	srv *http.Server
}

// NewServer creates a boundary server that loads modules with loader.
func NewServer(cfg ServerConfig, loader *Loader) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 5 * time.Minute
	}
	s := &Server{cfg: cfg, loader: loader}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /alive", s.handleAlive)
	mux.HandleFunc("POST /invoke", s.handleInvoke)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	logging.Sandbox("Sandbox boundary listening on %s (languages=%v, auth=%t)",
		ln.Addr(), s.loader.Languages(), len(s.cfg.Secret) > 0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logging.SandboxWarn("Sandbox boundary shutdown: %v", err)
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AliveResponse{Status: "ok"})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Secret) > 0 {
		if err := verifyRequest(r, s.cfg.Secret); err != nil {
			logging.SandboxWarn("Rejected unauthenticated invoke from %s: %v", r.RemoteAddr, err)
			writeJSON(w, http.StatusUnauthorized, Response{
				Status: StatusError,
				Error:  &ErrorInfo{Kind: "Unauthorized", Message: err.Error()},
			})
			return
		}
	}

	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Status: StatusError,
			Error:  &ErrorInfo{Kind: ErrorKindBadRequest, Message: "invalid json: " + err.Error()},
		})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Status: StatusError,
			Error:  &ErrorInfo{Kind: ErrorKindBadRequest, Message: err.Error()},
		})
		return
	}
	req.Arguments = normalizeNumbers(req.Arguments).(map[string]interface{})

	s.invokeMu.Lock()
	defer s.invokeMu.Unlock()

	resp, status := s.invoke(r.Context(), &req)
	writeJSON(w, status, resp)
}

// invoke runs one request. The returned status is 200 for every outcome the
// generated code is responsible for and 500 when the boundary itself failed.
func (s *Server) invoke(ctx context.Context, req *Request) (*Response, int) {
	id := uuid.NewString()
	log := logging.WithRequestID(logging.CategorySandbox, id).
		WithField("function", req.FunctionName).
		WithField("language", req.Module.Language)
	start := time.Now()

	resp := &Response{InvocationID: id}
	finish := func(status int) (*Response, int) {
		resp.DurationMs = time.Since(start).Milliseconds()
		log.Info("Invocation finished: status=%s duration=%dms", resp.Status, resp.DurationMs)
		return resp, status
	}

	args, err := ResolvePaths(req.Arguments, s.cfg.InputRoot)
	if err != nil {
		resp.Status = StatusError
		resp.Error = &ErrorInfo{Kind: "ValueError", Message: err.Error()}
		return finish(http.StatusOK)
	}

	var stdout, stderr bytes.Buffer
	unit, err := s.loader.Load(req.Module, Output{Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		return s.fail(resp, err, finish)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	defer cancel()
	result, err := unit.Call(callCtx, req.FunctionName, args)
	resp.Stdout = stdout.String()
	resp.Stderr = stderr.String()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("Invocation timed out after %s", s.cfg.InvokeTimeout)
			resp.Status = StatusError
			resp.Error = &ErrorInfo{Kind: ErrorKindTimeout, Message: fmt.Sprintf("invocation exceeded %s", s.cfg.InvokeTimeout)}
			return finish(http.StatusOK)
		}
		return s.fail(resp, err, finish)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		resp.Status = StatusError
		resp.Error = &ErrorInfo{Kind: "TypeError", Message: fmt.Sprintf("result is not JSON serializable: %v", err)}
		return finish(http.StatusOK)
	}

	resp.Status = StatusSuccess
	if s.cfg.InlineResultLimit > 0 && len(encoded) > s.cfg.InlineResultLimit {
		name := id + ".json"
		if err := spillResult(s.cfg.OutputRoot, name, encoded); err != nil {
			log.Error("Failed to spill result: %v", err)
			resp.Status = StatusError
			resp.Error = &ErrorInfo{Kind: "InternalError", Message: fmt.Sprintf("failed to write result: %v", err)}
			return finish(http.StatusInternalServerError)
		}
		log.Debug("Result of %d bytes written to %s", len(encoded), name)
		resp.ResultPath = name
		return finish(http.StatusOK)
	}
	resp.Result = json.RawMessage(encoded)
	return finish(http.StatusOK)
}

func (s *Server) fail(resp *Response, err error, finish func(int) (*Response, int)) (*Response, int) {
	resp.Status = StatusError
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		resp.Error = &ErrorInfo{Kind: codeErr.Kind, Message: codeErr.Message, Trace: codeErr.Trace}
		return finish(http.StatusOK)
	}
	logging.SandboxError("Boundary failure: %v", err)
	resp.Error = &ErrorInfo{Kind: "InternalError", Message: err.Error()}
	return finish(http.StatusInternalServerError)
}

// normalizeNumbers turns json.Number values into int64 when integral and
// float64 otherwise, so units see the same types a task file produces.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.SandboxWarn("Failed to write response: %v", err)
	}
}

func spillResult(root, name string, data []byte) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, name), data, 0644)
}
