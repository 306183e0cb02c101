// Package backend talks to the assistant platform's streaming run
// endpoints: multipart POST in, chunked frame stream out.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// Error body capture is bounded so a misbehaving backend cannot balloon
// error values.
const maxErrorBody = 8 * 1024

// StatusError reports a non-2xx response, preserving status and body so
// the caller-level retry policy can distinguish rate limiting and
// server errors from hard failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsRetryable is the default retry predicate: rate limiting and server
// errors retry, other HTTP statuses do not, network-level failures do.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// TokenSource supplies bearer tokens from the external identity
// provider. Nil means no bearer auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// FileUpload is a file riding along in the multipart run payload.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// RunRequest is the outgoing payload for one streaming run.
type RunRequest struct {
	Endpoint  string // path under the base URL, e.g. /v1/agents/narcotics/runs
	Message   string
	SessionID string
	UserID    string
	Files     []FileUpload
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client issues streaming run requests against the platform backend.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = StreamingHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		tokens:  cfg.Tokens,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// OpenStream issues one run request and returns the response body for
// incremental reading. Non-2xx responses are returned as *StatusError
// with the body text as detail; retry is the caller's policy.
func (c *Client) OpenStream(ctx context.Context, run RunRequest) (io.ReadCloser, error) {
	body, contentType, err := buildRunBody(run)
	if err != nil {
		return nil, fmt.Errorf("build run payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+run.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch auth token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	return resp.Body, nil
}

// buildRunBody assembles the multipart payload: message and identifier
// fields plus any attached files.
func buildRunBody(run RunRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"message":    run.Message,
		"session_id": run.SessionID,
		"user_id":    run.UserID,
		"stream":     "true",
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}

	for _, f := range run.Files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		if f.MimeType != "" {
			header.Set("Content-Type", f.MimeType)
		}
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
