package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	err       error
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func TestIdentity(t *testing.T) {
	t.Parallel()

	tr := NewWithClient("sender@example.com", &mockSESClient{})
	if tr.Name() != "ses" {
		t.Errorf("Name(): got %q, want %q", tr.Name(), "ses")
	}
	if tr.Sender() != "sender@example.com" {
		t.Errorf("Sender(): got %q", tr.Sender())
	}
	if transport.FamilyOf(tr) != transport.FamilyModern {
		t.Errorf("family: got %v, want modern", transport.FamilyOf(tr))
	}
}

func TestSend_SimpleContent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := NewWithClient("sender@example.com", mock)

	msg := &email.Email{
		From:     "app@example.com",
		To:       []string{"to1@example.com", "to2@example.com"},
		Cc:       []string{"cc@example.com"},
		Bcc:      []string{"bcc@example.com"},
		Subject:  "Test Subject",
		TextBody: "Plain text fallback",
		HTMLBody: "<h1>Hello</h1>",
	}

	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q", got)
	}
	if got := *input.Content.Simple.Body.Html.Data; got != "<h1>Hello</h1>" {
		t.Errorf("Html: got %q", got)
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Plain text fallback" {
		t.Errorf("Text: got %q", got)
	}

	dest := input.Destination
	if len(dest.ToAddresses) != 2 || len(dest.CcAddresses) != 1 || len(dest.BccAddresses) != 1 {
		t.Errorf("destination: got to=%v cc=%v bcc=%v", dest.ToAddresses, dest.CcAddresses, dest.BccAddresses)
	}
}

func TestSend_TextOnlyHasNoHTML(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := NewWithClient("sender@example.com", mock)

	if err := tr.Send(context.Background(), &email.Email{To: []string{"a@example.com"}, TextBody: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.lastInput.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
}

func TestSend_AttachmentsUseRawMIME(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	tr := NewWithClient("sender@example.com", mock)

	msg := &email.Email{
		From:     "app@example.com",
		To:       []string{"to@example.com"},
		Subject:  "With Attachment",
		TextBody: "See attachment",
		Attachments: []email.Attachment{
			{Filename: "test.txt", ContentType: "text/plain", Content: []byte("file content")},
		},
	}

	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content for attachment, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content when using raw message")
	}

	raw := string(input.Content.Raw.Data)
	for _, want := range []string{"sender@example.com", "to@example.com", "Subject: With Attachment", "multipart/mixed", "test.txt"} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
	if strings.Contains(raw, "app@example.com") {
		t.Error("raw message should be sent from the SES identity, not the original sender")
	}
	if msg.From != "app@example.com" {
		t.Error("Send must not modify the caller's message")
	}
}

func TestSend_WrapsClientError(t *testing.T) {
	t.Parallel()

	cause := errors.New("throttled")
	tr := NewWithClient("sender@example.com", &mockSESClient{err: cause})

	err := tr.Send(context.Background(), &email.Email{To: []string{"a@example.com"}, TextBody: "x"})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}

func TestTransportInterface(t *testing.T) {
	t.Parallel()

	var _ transport.Transport = (*Transport)(nil)
}
