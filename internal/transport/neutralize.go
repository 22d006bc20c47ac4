package transport

import (
	"context"
	"io"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// SuppressFunc is called each time a neutralized transport swallows a send.
// msg is nil for raw sends.
type SuppressFunc func(name string, family Family, msg *email.Email)

// Neutralized is implemented by transports returned from Neutralize.
type Neutralized interface {
	Transport
	Unwrap() Transport
}

// Neutralize returns t wrapped in the patched variant of its family. The
// patched variant never transmits anything and always reports success;
// Name, Family and any state reachable through Unwrap are unchanged.
//
// Transports that are already neutralized are returned as-is. For an
// unknown family Neutralize returns t unmodified and false.
func Neutralize(t Transport, onSuppress SuppressFunc) (Transport, bool) {
	if _, ok := t.(Neutralized); ok {
		return t, true
	}
	if _, ok := t.(Discard); ok {
		return t, true
	}

	switch FamilyOf(t) {
	case FamilyModern:
		return &patchedModern{inner: t, onSuppress: onSuppress}, true
	case FamilyLegacy:
		return &patchedLegacy{patchedModern: patchedModern{inner: t, onSuppress: onSuppress}}, true
	default:
		return t, false
	}
}

type patchedModern struct {
	inner      Transport
	onSuppress SuppressFunc
}

func (p *patchedModern) Send(_ context.Context, msg *email.Email) error {
	p.suppressed(msg)
	return nil
}

func (p *patchedModern) Name() string      { return p.inner.Name() }
func (p *patchedModern) Family() Family    { return FamilyOf(p.inner) }
func (p *patchedModern) Unwrap() Transport { return p.inner }

func (p *patchedModern) suppressed(msg *email.Email) {
	if p.onSuppress != nil {
		p.onSuppress(p.inner.Name(), FamilyOf(p.inner), msg)
	}
}

type patchedLegacy struct {
	patchedModern
}

func (p *patchedLegacy) SendRaw(_ context.Context, _ string, _ []string, body io.Reader) error {
	// Drain so callers streaming from a pipe are not blocked.
	_, _ = io.Copy(io.Discard, body)
	p.suppressed(nil)
	return nil
}

// Discard is a standalone transport that drops every message.
type Discard struct{}

// Send drops msg and reports success.
func (Discard) Send(context.Context, *email.Email) error { return nil }

// Name returns "discard".
func (Discard) Name() string { return "discard" }
