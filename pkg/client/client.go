package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running `portkill serve`.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7878",
		Timeout: 30 * time.Second,
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// New creates a client. BaseURL is the server root; "/api" is appended
// by each call.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the server is running and answering.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/api/services", nil, &out)
	if err == nil {
		return true
	}
	// a server without a service graph still answers
	var apiErr *APIError
	c.logger.Debug("Server reachability check", "error", err)
	return errors.As(err, &apiErr)
}

func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	if err := c.do(ctx, http.MethodGet, "/api/services", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartAll returns the report even when the server reports a failure.
func (c *Client) StartAll(ctx context.Context) (*StartReport, error) {
	var rep StartReport
	err := c.do(ctx, http.MethodPost, "/api/services/start-all", nil, &rep)
	if err != nil {
		return &rep, err
	}
	return &rep, nil
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/services/stop-all", nil, nil)
}

func (c *Client) StartService(ctx context.Context, name string) error {
	return c.serviceAction(ctx, name, "start")
}

func (c *Client) StopService(ctx context.Context, name string) error {
	return c.serviceAction(ctx, name, "stop")
}

func (c *Client) RestartService(ctx context.Context, name string) error {
	return c.serviceAction(ctx, name, "restart")
}

func (c *Client) serviceAction(ctx context.Context, name, action string) error {
	c.logger.Debug("Service action", "name", name, "action", action)
	return c.do(ctx, http.MethodPost, "/api/services/"+url.PathEscape(name)+"/"+action, nil, nil)
}

func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	if err := c.do(ctx, http.MethodGet, "/api/guard/rules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRule guards port. An empty allow means no process may hold it.
func (c *Client) SetRule(ctx context.Context, port int, allow string) (Rule, error) {
	body, err := json.Marshal(map[string]string{"allow": allow})
	if err != nil {
		return Rule{}, fmt.Errorf("marshal request: %w", err)
	}
	var out Rule
	err = c.do(ctx, http.MethodPut, "/api/guard/rules/"+strconv.Itoa(port), body, &out)
	return out, err
}

func (c *Client) DeleteRule(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodDelete, "/api/guard/rules/"+strconv.Itoa(port), nil, nil)
}

func (c *Client) Ledger(ctx context.Context) ([]LedgerRecord, error) {
	var out []LedgerRecord
	if err := c.do(ctx, http.MethodGet, "/api/ledger", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RestartPort(ctx context.Context, port int) (RestartResult, error) {
	var out RestartResult
	err := c.do(ctx, http.MethodPost, "/api/ledger/"+strconv.Itoa(port)+"/restart", nil, &out)
	return out, err
}

func (c *Client) ClearLedger(ctx context.Context, port int) error {
	return c.do(ctx, http.MethodDelete, "/api/ledger/"+strconv.Itoa(port), nil, nil)
}

// do performs one request. A 2xx body is decoded into out when out is
// non-nil; anything else becomes an *APIError. On error the body is still
// decoded into out when it parses, so partial reports survive.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	if out != nil {
		_ = json.Unmarshal(data, out)
	}
	var errorResp ErrorResponse
	if err := json.Unmarshal(data, &errorResp); err != nil || errorResp.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Error}
}
