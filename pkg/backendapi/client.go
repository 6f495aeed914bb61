// Package backendapi is the REST collaborator surface of the codeflow
// backend: model listing, model switching, key validation, and the health
// probe. Calls are opaque to the core; any non-"success" status is surfaced
// as an UpstreamError.
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const statusSuccess = "success"

// UpstreamError is an application-level failure reported by the backend.
type UpstreamError struct {
	Endpoint string
	Status   string
	Detail   string
}

func (e *UpstreamError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("upstream %s: %s (%s)", e.Endpoint, e.Status, e.Detail)
	}
	return fmt.Sprintf("upstream %s: %s", e.Endpoint, e.Status)
}

// ModelInfo describes one backend model as reported by /api/models.
type ModelInfo struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"display_name"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"input_token_limit"`
	OutputTokenLimit           int      `json:"output_token_limit"`
	SupportedGenerationMethods []string `json:"supported_generation_methods"`
	Preferred                  bool     `json:"preferred,omitempty"`
}

// Client talks to the backend's REST endpoints with bounded retries.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      10 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is empty")
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{log.Logger}
	return &Client{baseURL: cfg.BaseURL, http: rc}, nil
}

// ListModels fetches the models advertised by the backend.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out struct {
		Status string      `json:"status"`
		Error  string      `json:"error"`
		Models []ModelInfo `json:"models"`
	}
	if err := c.get(ctx, "/api/models", &out); err != nil {
		return nil, err
	}
	if out.Status != statusSuccess {
		return nil, &UpstreamError{Endpoint: "/api/models", Status: out.Status, Detail: out.Error}
	}
	return out.Models, nil
}

// SwitchModel asks the backend to resolve and activate a model, returning the
// resolved name.
func (c *Client) SwitchModel(ctx context.Context, model string) (string, error) {
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Model  string `json:"model"`
	}
	if err := c.post(ctx, "/api/switch_model", map[string]string{"model": model}, &out); err != nil {
		return "", err
	}
	if out.Status != statusSuccess {
		return "", &UpstreamError{Endpoint: "/api/switch_model", Status: out.Status, Detail: out.Error}
	}
	return out.Model, nil
}

// ValidateKey checks an API key with the backend. The credential never enters
// conversation state; only the opaque status comes back.
func (c *Client) ValidateKey(ctx context.Context, key string) error {
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := c.post(ctx, "/api/validate_key", map[string]string{"key": key}, &out); err != nil {
		return err
	}
	if out.Status != statusSuccess {
		return &UpstreamError{Endpoint: "/api/validate_key", Status: out.Status, Detail: out.Error}
	}
	return nil
}

// Health probes the backend liveness endpoint.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := c.get(ctx, "/health", &out); err != nil {
		return "", err
	}
	if out.Status == "" {
		return "", &UpstreamError{Endpoint: "/health", Status: "unknown"}
	}
	return out.Status, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrapf(err, "building GET %s", path)
	}
	return c.do(req, path, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "marshaling POST %s body", path)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return errors.Wrapf(err, "building POST %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *retryablehttp.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "calling %s", path)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading %s response", path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	return nil
}

// leveledLogger bridges retryablehttp's logging into zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.emit(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.emit(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.emit(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.emit(l.logger.Debug(), msg, kv) }

func (l leveledLogger) emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Str("component", "backendapi").Msg(msg)
}
