// Package client is the HTTP API client for a servo orchestrator daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a running servo daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a servo API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// APIError is a non-2xx response decoded from the daemon's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("servo api: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("servo api: %s (http %d)", e.Message, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("api request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var env struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			apiErr.Message = env.Error
			apiErr.Code = env.Code
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// StatusAll returns the fleet summary plus every service status.
func (c *Client) StatusAll(ctx context.Context) (StatusAll, error) {
	var out StatusAll
	err := c.do(ctx, http.MethodGet, "/status-all", nil, &out)
	return out, err
}

// Status returns the status of one service.
func (c *Client) Status(ctx context.Context, id string) (ServiceStatus, error) {
	all, err := c.StatusAll(ctx)
	if err != nil {
		return ServiceStatus{}, err
	}
	for _, s := range all.Services {
		if s.ServiceID == id {
			return s, nil
		}
	}
	return ServiceStatus{}, &APIError{StatusCode: http.StatusNotFound, Code: "UnknownService", Message: "unknown service " + id}
}

// Registry returns the raw registry entries.
func (c *Client) Registry(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Services json.RawMessage `json:"services"`
	}
	err := c.do(ctx, http.MethodGet, "/registry", nil, &out)
	return out.Services, err
}

// Action submits a lifecycle action: start, stop, restart or reset-circuit.
func (c *Client) Action(ctx context.Context, id, action string) error {
	path := "/services/" + url.PathEscape(id) + "/actions"
	return c.do(ctx, http.MethodPost, path, map[string]string{"action": action}, nil)
}

func (c *Client) Start(ctx context.Context, id string) error { return c.Action(ctx, id, "start") }
func (c *Client) Stop(ctx context.Context, id string) error  { return c.Action(ctx, id, "stop") }
func (c *Client) Restart(ctx context.Context, id string) error {
	return c.Action(ctx, id, "restart")
}
func (c *Client) ResetCircuit(ctx context.Context, id string) error {
	return c.Action(ctx, id, "reset-circuit")
}

// Kill runs the kill escalation; force skips the SIGTERM grace window.
func (c *Client) Kill(ctx context.Context, id string, force bool) (KillTracking, error) {
	var out struct {
		KillTracking KillTracking `json:"killTracking"`
	}
	path := "/services/" + url.PathEscape(id) + "/kill"
	err := c.do(ctx, http.MethodPost, path, map[string]bool{"force": force}, &out)
	return out.KillTracking, err
}

// Logs returns the captured output tail of one service.
func (c *Client) Logs(ctx context.Context, id string, lines int) (Logs, error) {
	var out struct {
		ServiceID string `json:"serviceId"`
		Logs      Logs   `json:"logs"`
	}
	path := "/services/" + url.PathEscape(id) + "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	out.Logs.ServiceID = out.ServiceID
	return out.Logs, err
}

// ProcessInfo returns process-level detail for one service.
func (c *Client) ProcessInfo(ctx context.Context, id string) (ProcessInfo, error) {
	var out ProcessInfo
	path := "/services/" + url.PathEscape(id) + "/processes"
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// History returns recent journal entries for one service.
func (c *Client) History(ctx context.Context, id string, limit int) ([]Transition, error) {
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	path := "/services/" + url.PathEscape(id) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Transitions, err
}

// FullRestart asks the daemon to restart the whole fleet. It returns as soon
// as the restart is accepted; poll Healthy to watch it finish.
func (c *Client) FullRestart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/restart", nil, nil)
}

// Healthy reports whether the daemon answers its health endpoint with 200.
// It degrades to 503 while a full restart is in flight.
func (c *Client) Healthy(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err == nil
}

// WaitHealthy polls the health endpoint until it answers 200 or the context
// is done.
func (c *Client) WaitHealthy(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if c.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not become healthy: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}
