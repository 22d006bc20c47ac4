package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Render builds an RFC 5322 MIME message for msg. Bcc recipients are left
// out of the headers. The result is always multipart/mixed.
func Render(msg *Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	if msg.From != "" {
		h.SetAddressList("From", toAddressList([]string{msg.From}))
	}
	if len(msg.To) > 0 {
		h.SetAddressList("To", toAddressList(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	if msg.MessageID != "" {
		h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if msg.TextBody != "" || msg.HTMLBody != "" {
		if err := writeInline(mw, msg); err != nil {
			return nil, err
		}
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(att.Filename)

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(mw *mail.Writer, msg *Email) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}

	parts := []struct {
		mediaType string
		body      string
	}{
		{"text/plain", msg.TextBody},
		{"text/html", msg.HTMLBody},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(p.mediaType, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("failed to create %s part: %w", p.mediaType, err)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return fmt.Errorf("failed to write %s part: %w", p.mediaType, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to close %s part: %w", p.mediaType, err)
		}
	}
	return iw.Close()
}

// toAddressList parses each entry, keeping unparseable ones as bare addresses.
func toAddressList(raw []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(raw))
	for _, s := range raw {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			out = append(out, &mail.Address{Address: strings.TrimSpace(s)})
			continue
		}
		out = append(out, addr)
	}
	return out
}

// Envelope returns the bare SMTP envelope addresses for msg: the sender
// and every recipient including Bcc.
func Envelope(msg *Email) (from string, to []string) {
	if msg.From != "" {
		from = toAddressList([]string{msg.From})[0].Address
	}
	for _, addr := range toAddressList(msg.Recipients()) {
		to = append(to, addr.Address)
	}
	return from, to
}
