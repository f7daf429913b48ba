package action

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
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/livinlefevreloca/punctual/internal/executor"
	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Address schemes
const (
	SchemeLog   = "log"
	SchemeLocal = "local"
)

// ErrUnsupportedAddress is returned for addresses no invoker understands
var ErrUnsupportedAddress = errors.New("action: unsupported address")

// Request is the body sent to a downstream action
type Request struct {
	RunAt   string `json:"runAt"`
	Payload string `json:"payload"`
}

// StatusError is returned when the remote end answers with a non-2xx code
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("action: %s returned %d: %s", e.URL, e.Code, e.Body)
}

// NewHTTPClient returns the pooled client used for every outbound call
func NewHTTPClient(timeout time.Duration) *http.Client {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return client
}

// HTTP posts {runAt, payload} to a URL
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP action for rawURL
func NewHTTP(rawURL string, client *http.Client) (*HTTP, error) {
	if err := validateHTTP(rawURL); err != nil {
		return nil, err
	}
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTP{url: rawURL, client: client}, nil
}

// Invoke implements executor.Action
func (h *HTTP) Invoke(ctx context.Context, runAt time.Time, payload string) error {
	return postJSON(ctx, h.client, h.url, Request{
		RunAt:   runAt.UTC().Format(workflow.RunAtFormat),
		Payload: payload,
	}, nil)
}

// Log writes the invocation to the log and does nothing else
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log action
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Invoke implements executor.Action
func (l *Log) Invoke(ctx context.Context, runAt time.Time, payload string) error {
	l.logger.Info("action fired",
		"runAt", runAt,
		"runTime", time.Now().UTC(),
		"payload", payload)
	return nil
}

// New resolves a downstream action address. An empty address or "log:"
// selects the log action; http and https URLs are posted to.
func New(address string, client *http.Client, logger *slog.Logger) (executor.Action, error) {
	switch scheme(address) {
	case "", SchemeLog:
		return NewLog(logger), nil
	case "http", "https":
		return NewHTTP(address, client)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, address)
	}
}

// ValidateAddress reports whether New can resolve address
func ValidateAddress(address string) error {
	switch scheme(address) {
	case "", SchemeLog:
		return nil
	case "http", "https":
		return validateHTTP(address)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAddress, address)
	}
}

func scheme(address string) string {
	if address == "" {
		return ""
	}
	i := strings.Index(address, ":")
	if i < 0 {
		return address
	}
	return strings.ToLower(address[:i])
}

func validateHTTP(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedAddress, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrUnsupportedAddress, rawURL)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, target string, body any, header http.Header) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
