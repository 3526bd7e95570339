package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"toolforge/internal/logging"
)

// ClientConfig configures a boundary client.
type ClientConfig struct {
	// Endpoint is the base URL of the boundary, e.g. http://127.0.0.1:49153.
	Endpoint string
	// Secret signs a bearer token per request when non-empty.
	Secret []byte
	// Timeout is the client-side deadline for one invocation. It should
	// exceed the server's invocation timeout so the server reports first.
	Timeout time.Duration
	// OutputRoot is the host path of the environment's output mount, used
	// to turn a relative ResultPath into a readable file.
	OutputRoot string
}

// Client invokes generated code through a running boundary.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a client for the boundary at cfg.Endpoint.
func NewClient(cfg ClientConfig) *Client {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Minute
	}
	return &Client{cfg: cfg, http: &http.Client{}}
}

// Endpoint returns the boundary base URL.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

// Alive checks GET /alive once.
func (c *Client) Alive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/alive", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var alive AliveResponse
	if err := json.NewDecoder(resp.Body).Decode(&alive); err != nil {
		return fmt.Errorf("malformed alive response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || alive.Status != "ok" {
		return fmt.Errorf("boundary not alive: status %d %q", resp.StatusCode, alive.Status)
	}
	return nil
}

// WaitReady polls /alive until it answers or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := logging.StartTimer(logging.CategorySandbox, "WaitReady "+c.cfg.Endpoint)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = c.Alive(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("boundary at %s not ready after %s: %w", c.cfg.Endpoint, timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// Invoke sends req and classifies the result. It never returns an error:
// every failure mode is an Outcome kind.
func (c *Client) Invoke(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	log := logging.WithRequestID(logging.CategorySandbox, req.Module.Name).WithField("function", req.FunctionName)

	body, err := json.Marshal(req)
	if err != nil {
		return &Outcome{
			Kind:      OutcomeRuntimeError,
			ErrorKind: "TypeError",
			Message:   fmt.Sprintf("arguments are not JSON encodable: %v", err),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.Endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return environmentError("failed to build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(c.cfg.Secret) > 0 {
		token, err := SignToken(c.cfg.Secret, req.Module.Name, c.cfg.Timeout+time.Minute)
		if err != nil {
			return environmentError("%v", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		o := c.transportOutcome(ctx, callCtx, err)
		o.Duration = time.Since(start)
		log.Warn("Invoke transport failure: %s", o.Summary())
		return o
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		o := c.transportOutcome(ctx, callCtx, err)
		o.Duration = time.Since(start)
		return o
	}

	o := c.classify(resp.StatusCode, raw)
	if o.Duration == 0 {
		o.Duration = time.Since(start)
	}
	log.Debug("Invoke finished: %s", o.Summary())
	return o
}

func (c *Client) transportOutcome(parent, callCtx context.Context, err error) *Outcome {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return &Outcome{
			Kind:      OutcomeTimeout,
			ErrorKind: ErrorKindTimeout,
			Message:   fmt.Sprintf("no response within %s", c.cfg.Timeout),
		}
	}
	return environmentError("boundary unreachable: %v", err)
}

func (c *Client) classify(status int, raw []byte) *Outcome {
	var resp Response
	decodeErr := json.Unmarshal(raw, &resp)

	switch {
	case status == http.StatusUnauthorized:
		return environmentError("boundary rejected credentials: %s", errorMessage(&resp, raw))
	case status == http.StatusBadRequest && decodeErr == nil && resp.Error != nil:
		// The boundary is healthy; what it was asked to run is not.
		return &Outcome{Kind: OutcomeRuntimeError, ErrorKind: resp.Error.Kind, Message: resp.Error.Message}
	case status >= 500:
		return environmentError("boundary failure (HTTP %d): %s", status, errorMessage(&resp, raw))
	case status != http.StatusOK:
		return environmentError("boundary refused request (HTTP %d): %s", status, errorMessage(&resp, raw))
	case decodeErr != nil:
		return environmentError("malformed boundary response: %v", decodeErr)
	}

	o := &Outcome{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Duration(resp.DurationMs) * time.Millisecond,
	}
	switch resp.Status {
	case StatusSuccess:
		o.Kind = OutcomeSuccess
		o.Result = resp.Result
		if resp.ResultPath != "" {
			o.ResultPath = resp.ResultPath
			if c.cfg.OutputRoot != "" {
				o.ResultPath = filepath.Join(c.cfg.OutputRoot, resp.ResultPath)
			}
		}
	case StatusError:
		if resp.Error == nil {
			return environmentError("malformed boundary response: error status without error")
		}
		o.Kind = OutcomeRuntimeError
		if resp.Error.Kind == ErrorKindTimeout {
			o.Kind = OutcomeTimeout
		}
		o.ErrorKind = resp.Error.Kind
		o.Message = resp.Error.Message
		o.Trace = resp.Error.Trace
	default:
		return environmentError("malformed boundary response: unknown status %q", resp.Status)
	}
	return o
}

func errorMessage(resp *Response, raw []byte) string {
	if resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
