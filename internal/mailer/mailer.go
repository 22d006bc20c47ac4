// Package mailer is the dispatch pipeline every outgoing message passes
// through. It exposes two extension points: pre-send filters, which may
// answer a send without touching any transport, and transport hooks, which
// see the transport built for a message and may replace it.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/shineum/smtp-sink-lite/internal/dedup"
	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

// Dispatch is the per-message state shared by filters and hooks for a
// single send. It replaces any process-wide "already handled" flag.
type Dispatch struct {
	Message *email.Email

	// Handled is set once an extension point has captured the message.
	Handled bool

	// Key is the message fingerprint, filled in by whoever computes it first.
	Key dedup.Key

	// Unfiltered is true when the send bypassed the pre-send filters.
	Unfiltered bool
}

// FilterFunc runs before a transport exists. Returning handled=true ends
// the send with err as its final result.
type FilterFunc func(ctx context.Context, d *Dispatch) (handled bool, err error)

// HookFunc receives the transport built for d and returns the transport
// to send through.
type HookFunc func(ctx context.Context, d *Dispatch, t transport.Transport) transport.Transport

// Factory builds the transport for one send.
type Factory func(ctx context.Context) (transport.Transport, error)

// Static returns a Factory that always yields t.
func Static(t transport.Transport) Factory {
	return func(context.Context) (transport.Transport, error) { return t, nil }
}

// Mailer runs messages through the registered filters and hooks and hands
// them to the resulting transport. It is safe for concurrent use.
type Mailer struct {
	factory Factory

	mu      sync.RWMutex
	filters []FilterFunc
	hooks   []HookFunc
}

// New creates a Mailer that builds transports with factory.
func New(factory Factory) *Mailer {
	return &Mailer{factory: factory}
}

// AddFilter appends a pre-send filter.
func (m *Mailer) AddFilter(f FilterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
}

// AddTransportHook appends a transport hook.
func (m *Mailer) AddTransportHook(h HookFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Send dispatches msg. Filters run in registration order and the first one
// that reports handled decides the result.
func (m *Mailer) Send(ctx context.Context, msg *email.Email) error {
	d := &Dispatch{Message: msg}

	m.mu.RLock()
	filters := m.filters
	m.mu.RUnlock()

	for _, f := range filters {
		if handled, err := f(ctx, d); handled {
			return err
		}
	}
	return m.deliver(ctx, d)
}

// SendUnfiltered dispatches msg without running the pre-send filters.
// Transport hooks still apply.
func (m *Mailer) SendUnfiltered(ctx context.Context, msg *email.Email) error {
	return m.deliver(ctx, &Dispatch{Message: msg, Unfiltered: true})
}

func (m *Mailer) deliver(ctx context.Context, d *Dispatch) error {
	t, err := m.factory(ctx)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}

	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()

	for _, h := range hooks {
		t = h(ctx, d, t)
	}

	msg := d.Message
	if rs, ok := t.(transport.RawSender); ok && len(msg.Raw) > 0 {
		from, to := email.Envelope(msg)
		if err := rs.SendRaw(ctx, from, to, bytes.NewReader(msg.Raw)); err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
		return nil
	}

	if err := t.Send(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", t.Name(), err)
	}
	return nil
}
