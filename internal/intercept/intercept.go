// Package intercept captures every outgoing message, forwards it to a
// webhook once per fingerprint, and makes sure no transport delivers it.
package intercept

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/dedup"
	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/mailer"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

// Capture sources recorded in the dedup table and in log lines.
const (
	SourcePreSend       = "pre_send"
	SourceTransportHook = "transport_hook"
)

// Forwarder delivers a captured message to the webhook.
type Forwarder interface {
	Forward(ctx context.Context, msg *email.Email, key dedup.Key) error
}

// Registrar is the part of the dispatch pipeline the gate hooks into.
type Registrar interface {
	AddFilter(f mailer.FilterFunc)
	AddTransportHook(h mailer.HookFunc)
}

// Options configures a Gate.
type Options struct {
	// Environment is the name of the running environment.
	Environment string
	// ActiveEnvironment restricts interception to one environment. Empty
	// means always active.
	ActiveEnvironment string

	RunID     string
	Table     *dedup.Table
	Forwarder Forwarder
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Gate wires the interception seams into a dispatch pipeline.
type Gate struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	registered bool
}

// New creates a Gate. A nil Table gets a fresh one.
func New(opts Options) *Gate {
	if opts.Table == nil {
		opts.Table = dedup.NewTable()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		opts:   opts,
		logger: logger.With("component", "intercept"),
	}
}

// Enabled reports whether interception applies to the configured
// environment. The comparison ignores case and surrounding space.
func (g *Gate) Enabled() bool {
	active := strings.TrimSpace(g.opts.ActiveEnvironment)
	if active == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(g.opts.Environment), active)
}

// Registered reports whether Register has installed the seams.
func (g *Gate) Registered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registered
}

// Table returns the processed-requests table.
func (g *Gate) Table() *dedup.Table {
	return g.opts.Table
}

// Processed returns the number of distinct fingerprints captured so far.
func (g *Gate) Processed() int {
	return g.opts.Table.Len()
}

// Register installs the pre-send filter and the transport hook on r. It
// runs at most once per Gate and does nothing when the gate is disabled.
func (g *Gate) Register(r Registrar) bool {
	if !g.Enabled() {
		g.logger.Info("email interception inactive for this environment",
			"environment", g.opts.Environment,
			"active_environment", g.opts.ActiveEnvironment,
		)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registered {
		return false
	}

	r.AddFilter(g.preSend)
	r.AddTransportHook(g.onTransport)
	g.registered = true
	g.opts.Metrics.SetRegistered(true)

	g.logger.Info("email interception registered", "environment", g.opts.Environment)
	return true
}

func (g *Gate) preSend(ctx context.Context, d *mailer.Dispatch) (bool, error) {
	g.capture(ctx, d, SourcePreSend)
	return true, nil
}

func (g *Gate) onTransport(ctx context.Context, d *mailer.Dispatch, t transport.Transport) transport.Transport {
	if !d.Handled {
		g.capture(ctx, d, SourceTransportHook)
	}

	patched, ok := transport.Neutralize(t, g.suppressed)
	if !ok {
		g.logger.Error("unsupported transport, discarding message",
			"source", SourceTransportHook,
			"transport", t.Name(),
			"request_key", string(d.Key),
		)
		return transport.Discard{}
	}
	return patched
}

func (g *Gate) capture(ctx context.Context, d *mailer.Dispatch, source string) {
	d.Handled = true
	if d.Key == "" {
		d.Key = dedup.Fingerprint(d.Message)
	}
	logger := g.logger.With("source", source, "request_key", string(d.Key))

	if prev, fresh := g.opts.Table.Claim(d.Key, source, g.opts.RunID); !fresh {
		logger.Debug("duplicate email skipped",
			"first_source", prev.Source,
			"first_seen", prev.SeenAt,
		)
		g.opts.Metrics.Duplicate(source)
		return
	}

	if g.opts.Forwarder == nil {
		return
	}

	if err := g.opts.Forwarder.Forward(ctx, d.Message, d.Key); err != nil {
		logger.Error("webhook forward failed",
			"to", d.Message.To,
			"subject", d.Message.Subject,
			"error", err,
		)
		g.opts.Metrics.Forwarded(false)
		return
	}

	logger.Info("email forwarded to webhook",
		"to", d.Message.To,
		"subject", d.Message.Subject,
		"attachments", len(d.Message.Attachments),
	)
	g.opts.Metrics.Forwarded(true)
}

func (g *Gate) suppressed(name string, family transport.Family, msg *email.Email) {
	attrs := []any{"transport", name, "family", family.String()}
	if msg != nil {
		attrs = append(attrs, "subject", msg.Subject)
	}
	g.logger.Info("outgoing email suppressed", attrs...)
	g.opts.Metrics.Suppress(name, family.String())
}
