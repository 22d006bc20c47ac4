// Package graph implements a Transport that sends messages through the
// Microsoft Graph sendMail endpoint using OAuth2 client credentials.
package graph

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
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

const (
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	requestTimeout = 30 * time.Second
	graphScope     = "https://graph.microsoft.com/.default"
)

// Config holds the settings for creating a Transport.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Transport sends messages as the configured sender mailbox.
type Transport struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	creds      *clientcredentials.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource

	// backoff is replaced in tests to keep retries fast.
	backoff func(attempt int) time.Duration
}

// New creates a Transport for the tenant in cfg.
func New(cfg Config) *Transport {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: requestTimeout})
}

func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Transport {
	t := &Transport{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		creds: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
		},
		backoff: backoffDelay,
	}
	t.resetTokens()
	return t
}

// Send delivers msg. Transient failures are retried with exponential
// backoff, 429 responses honour Retry-After, and a 401 triggers a single
// token refresh.
func (g *Transport) Send(ctx context.Context, msg *email.Email) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := g.doSendRequest(ctx, bodyJSON)
		if err == nil {
			return nil
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		var delay time.Duration
		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !refreshed:
			slog.Info("refreshing Graph token after 401")
			g.resetTokens()
			refreshed = true
			continue
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay = g.retryAfterDelay(sendErr.retryAfter, attempt)
		case sendErr.transient:
			delay = g.backoff(attempt)
		default:
			return sendErr
		}

		slog.Info("retrying Graph request",
			"status", sendErr.statusCode,
			"attempt", attempt+1,
			"delay", delay,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("graph request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns "msgraph".
func (g *Transport) Name() string {
	return "msgraph"
}

// Sender returns the mailbox messages are sent as.
func (g *Transport) Sender() string {
	return g.sender
}

// Family reports the modern family.
func (g *Transport) Family() transport.Family {
	return transport.FamilyModern
}

func (g *Transport) resetTokens() {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, g.httpClient)
	src := oauth2.ReuseTokenSource(nil, g.creds.TokenSource(ctx))

	g.mu.Lock()
	g.tokens = src
	g.mu.Unlock()
}

func (g *Transport) accessToken() (string, error) {
	g.mu.Lock()
	src := g.tokens
	g.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (g *Transport) doSendRequest(ctx context.Context, bodyJSON []byte) error {
	token, err := g.accessToken()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{message: fmt.Sprintf("HTTP request failed: %v", err), transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := string(body)

	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

func (g *Transport) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return g.backoff(attempt)
}

// backoffDelay doubles from baseRetryDelay: 1s, 2s, 4s.
func backoffDelay(attempt int) time.Duration {
	return baseRetryDelay << attempt
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
