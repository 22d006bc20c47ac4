// Package webhook forwards captured messages to an external HTTP endpoint
// as JSON.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shineum/smtp-sink-lite/internal/dedup"
	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Timeout bounds every webhook call. There are no retries.
const Timeout = 5 * time.Second

// Source tags every payload so receivers can tell sink traffic apart.
const Source = "smtp-sink-lite"

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Sink-Signature"

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// Payload is the JSON document posted for each forwarded message.
type Payload struct {
	To          []string            `json:"to"`
	Subject     string              `json:"subject"`
	Message     string              `json:"message"`
	Headers     map[string][]string `json:"headers"`
	Attachments []string            `json:"attachments"`
	Metadata    Metadata            `json:"cod5_metadata"`
}

// Metadata correlates a payload with the sink's log lines.
type Metadata struct {
	RequestKey string `json:"request_key"`
	RequestID  string `json:"request_id"`
	Timestamp  string `json:"timestamp"`
	Source     string `json:"source"`
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Config holds the settings for a Forwarder.
type Config struct {
	URL    string
	Secret string
	RunID  string
}

// Forwarder posts messages to a single webhook URL.
type Forwarder struct {
	url        string
	secret     []byte
	runID      string
	httpClient *http.Client
	now        func() time.Time
}

// New creates a Forwarder with a 5 second timeout and certificate
// verification enabled.
func New(cfg Config) *Forwarder {
	client := &http.Client{
		Timeout: Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	return NewWithClient(cfg, client)
}

// NewWithClient creates a Forwarder using the given HTTP client, used for
// testing against httptest servers.
func NewWithClient(cfg Config, client *http.Client) *Forwarder {
	f := &Forwarder{
		url:        cfg.URL,
		runID:      cfg.RunID,
		httpClient: client,
		now:        time.Now,
	}
	if cfg.Secret != "" {
		f.secret = []byte(cfg.Secret)
	}
	return f
}

// URL returns the configured endpoint.
func (f *Forwarder) URL() string {
	return f.url
}

// Forward posts msg to the webhook. It returns nil only for a 2xx answer.
func (f *Forwarder) Forward(ctx context.Context, msg *email.Email, key dedup.Key) error {
	body, err := json.Marshal(f.BuildPayload(msg, key))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != nil {
		req.Header.Set(SignatureHeader, "sha256="+sign(f.secret, body))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
}

// BuildPayload converts msg into the webhook document.
func (f *Forwarder) BuildPayload(msg *email.Email, key dedup.Key) *Payload {
	headers := msg.Headers
	if headers == nil {
		headers = map[string][]string{}
	}
	return &Payload{
		To:          msg.Recipients(),
		Subject:     msg.Subject,
		Message:     msg.Body(),
		Headers:     headers,
		Attachments: msg.AttachmentNames(),
		Metadata: Metadata{
			RequestKey: string(key),
			RequestID:  f.runID,
			Timestamp:  f.now().UTC().Format(time.RFC3339),
			Source:     Source,
		},
	}
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
