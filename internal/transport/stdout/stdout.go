// Package stdout implements a Transport that prints messages instead of
// delivering them. It is the default when no real transport is configured.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

const separator = "========================================"

// Transport writes a readable summary of each message to a writer.
type Transport struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a Transport that writes to w.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Send prints msg. Write errors are ignored; printing always succeeds
// from the caller's point of view.
func (t *Transport) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	fmt.Fprintln(&b, separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Body:\n%s\n", msg.Body())

	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", att.Filename, humanize.IBytes(uint64(len(att.Content)))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintln(&b, separator)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.writer, b.String())
	return nil
}

// Name returns "stdout".
func (t *Transport) Name() string {
	return "stdout"
}

// Family reports the modern family: stdout only implements Send.
func (t *Transport) Family() transport.Family {
	return transport.FamilyModern
}
