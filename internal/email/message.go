// Package email defines the outgoing message model shared by the SMTP front
// door, the interception gate and every transport.
package email

// Email is a single outgoing message as seen by the dispatch pipeline.
// It is built per send attempt and never persisted.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string][]string
	Attachments []Attachment
	MessageID   string

	// Raw holds the original RFC 5322 bytes when the message arrived over
	// SMTP. Relay transports prefer it over re-rendering.
	Raw []byte
}

// Attachment is a file attached to an Email. Path is set when the caller
// attached a file from disk rather than inline content.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Path        string
}

// Recipients returns To, Cc and Bcc in that order.
func (e *Email) Recipients() []string {
	all := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	all = append(all, e.To...)
	all = append(all, e.Cc...)
	return append(all, e.Bcc...)
}

// Body returns the text body, or the HTML body when there is no text part.
// An unparsed message has neither, so its raw bytes stand in.
func (e *Email) Body() string {
	if e.TextBody != "" {
		return e.TextBody
	}
	if e.HTMLBody == "" && e.Unparsed() {
		return string(e.Raw)
	}
	return e.HTMLBody
}

// Unparsed reports whether e carries raw bytes that could not be parsed
// into headers and parts.
func (e *Email) Unparsed() bool {
	return len(e.Raw) > 0 && e.Headers == nil
}

// AttachmentNames lists each attachment by path, falling back to its filename.
func (e *Email) AttachmentNames() []string {
	names := make([]string, 0, len(e.Attachments))
	for _, att := range e.Attachments {
		if att.Path != "" {
			names = append(names, att.Path)
			continue
		}
		names = append(names, att.Filename)
	}
	return names
}
