// Package relay implements a Transport that hands messages to an upstream
// SMTP server. It is the legacy family: besides Send it relays already
// rendered messages through SendRaw.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 2 * time.Minute
)

// Config holds the upstream relay settings.
type Config struct {
	// Addr is host:port of the upstream server.
	Addr string
	// Username and Password enable AUTH PLAIN when both are set.
	Username string
	Password string
	// Hostname is sent in EHLO. Defaults to "localhost".
	Hostname string
	// TLSConfig is used for STARTTLS when the server offers it. Nil means
	// a default config verifying the relay host.
	TLSConfig *tls.Config
}

// Transport relays messages over SMTP. Every send opens a new connection.
type Transport struct {
	cfg    Config
	host   string
	dialer *net.Dialer
}

// New creates a relay Transport.
func New(cfg Config) (*Transport, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", cfg.Addr, err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Transport{
		cfg:    cfg,
		host:   host,
		dialer: &net.Dialer{Timeout: dialTimeout},
	}, nil
}

// Name returns "relay".
func (t *Transport) Name() string {
	return "relay"
}

// Family reports the legacy SMTP family.
func (t *Transport) Family() transport.Family {
	return transport.FamilyLegacy
}

// Send renders msg and relays it to every recipient, Bcc included.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	raw, err := email.Render(msg)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}
	from, to := email.Envelope(msg)
	return t.SendRaw(ctx, from, to, bytes.NewReader(raw))
}

// SendRaw relays body as-is with the given envelope.
func (t *Transport) SendRaw(ctx context.Context, from string, to []string, body io.Reader) error {
	if len(to) == 0 {
		return errors.New("relay: no recipients")
	}

	cl, err := t.connect(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	defer cl.Close()

	stop := context.AfterFunc(ctx, func() { cl.Close() })
	defer stop()

	if err := t.deliver(cl, from, to, body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return cl.Quit()
}

func (t *Transport) connect(ctx context.Context) (*smtp.Client, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", t.cfg.Addr, err)
	}

	cl, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: greeting: %w", err)
	}
	cl.CommandTimeout = commandTimeout
	cl.SubmissionTimeout = commandTimeout

	if err := cl.Hello(t.cfg.Hostname); err != nil {
		cl.Close()
		return nil, fmt.Errorf("relay: EHLO: %w", err)
	}

	if ok, _ := cl.Extension("STARTTLS"); ok {
		cfg := t.cfg.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = t.host
		}
		if err := cl.StartTLS(cfg); err != nil {
			cl.Close()
			return nil, fmt.Errorf("relay: STARTTLS: %w", err)
		}
	}

	if t.cfg.Username != "" && t.cfg.Password != "" {
		if err := cl.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			cl.Close()
			return nil, fmt.Errorf("relay: AUTH: %w", err)
		}
	}

	return cl, nil
}

func (t *Transport) deliver(cl *smtp.Client, from string, to []string, body io.Reader) error {
	if err := cl.Mail(from, &smtp.MailOptions{}); err != nil {
		return fmt.Errorf("relay: MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := cl.Rcpt(rcpt); err != nil {
			return fmt.Errorf("relay: RCPT TO %s: %w", rcpt, err)
		}
	}

	wc, err := cl.Data()
	if err != nil {
		return fmt.Errorf("relay: DATA: %w", err)
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return fmt.Errorf("relay: DATA: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("relay: DATA: %w", err)
	}
	return nil
}
