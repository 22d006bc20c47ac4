// Package transport defines the mail transports the dispatch pipeline can
// send through, and the neutralizer that turns any of them into a no-op.
package transport

import (
	"context"
	"io"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Transport delivers a message to its recipients.
type Transport interface {
	// Send delivers msg. It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this transport.
	Name() string
}

// RawSender is implemented by transports that can relay an already
// rendered RFC 5322 message as-is.
type RawSender interface {
	SendRaw(ctx context.Context, from string, to []string, body io.Reader) error
}

// Family groups transports that share a send surface.
type Family int

const (
	// FamilyUnknown is reported for transports that do not declare a family.
	FamilyUnknown Family = iota
	// FamilyModern transports talk to an HTTP API and only implement Send.
	FamilyModern
	// FamilyLegacy transports speak SMTP and also implement RawSender.
	FamilyLegacy
)

func (f Family) String() string {
	switch f {
	case FamilyModern:
		return "modern"
	case FamilyLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// FamilyOf resolves the family of t from the capabilities it declares.
// A transport claiming FamilyLegacy without implementing RawSender is
// reported as unknown.
func FamilyOf(t Transport) Family {
	f, ok := t.(interface{ Family() Family })
	if !ok {
		return FamilyUnknown
	}
	switch fam := f.Family(); fam {
	case FamilyModern:
		return fam
	case FamilyLegacy:
		if _, ok := t.(RawSender); ok {
			return fam
		}
	}
	return FamilyUnknown
}
