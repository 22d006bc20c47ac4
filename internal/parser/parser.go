// Package parser turns raw RFC 5322 messages received over SMTP into
// email.Email values.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Parse reads raw into an Email. Text and HTML bodies are taken from the
// first inline part of each type, nested multiparts are flattened and
// attachments are decoded. The original bytes are kept in Email.Raw.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("message uses an unknown charset or encoding, decoding best-effort", "error", err)
	}
	defer mr.Close()

	if err := checkBoundary(mr.Header); err != nil {
		return nil, err
	}

	result := &email.Email{
		From:      mr.Header.Get("From"),
		MessageID: mr.Header.Get("Message-Id"),
		Headers:   collectHeaders(mr.Header),
		To:        addressList(mr.Header, "To"),
		Cc:        addressList(mr.Header, "Cc"),
		Bcc:       addressList(mr.Header, "Bcc"),
		Raw:       raw,
	}

	if subject, err := mr.Header.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = mr.Header.Get("Subject")
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}
		if part == nil {
			continue
		}
		if err := collectPart(part, result); err != nil {
			slog.Warn("failed to read message part, skipping", "error", err)
		}
	}

	return result, nil
}

// checkBoundary rejects multipart messages that cannot be split.
func checkBoundary(h mail.Header) error {
	ct := h.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil
	}
	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "" {
		return fmt.Errorf("multipart message missing boundary")
	}
	return nil
}

func collectPart(part *mail.Part, result *email.Email) error {
	content, err := io.ReadAll(part.Body)
	if err != nil {
		return err
	}

	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		mediaType, params, _ := h.ContentType()
		filename, _ := h.Filename()
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    fallbackFilename(filename, mediaType, params),
			ContentType: mediaType,
			Content:     content,
		})

	case *mail.InlineHeader:
		mediaType, params, _ := h.ContentType()
		switch mediaType {
		case "text/plain", "":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		default:
			// Inline images and similar still count as attachments when named.
			if name := params["name"]; name != "" {
				result.Attachments = append(result.Attachments, email.Attachment{
					Filename:    name,
					ContentType: mediaType,
					Content:     content,
				})
				return nil
			}
			slog.Warn("unrecognized inline MIME part, skipping", "content_type", mediaType)
		}
	}
	return nil
}

// fallbackFilename names unnamed attachments after their media subtype.
func fallbackFilename(filename, mediaType string, params map[string]string) string {
	if filename != "" {
		return filename
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func collectHeaders(h mail.Header) map[string][]string {
	headers := make(map[string][]string)
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		headers[key] = append(headers[key], fields.Value())
	}
	return headers
}

// addressList returns the bare addresses of a header, falling back to a
// plain comma split when the list is not RFC 5322 compliant.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.Address)
	}
	return result
}
