// Package ses implements a Transport that sends messages through AWS SES v2.
package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-sink-lite/internal/email"
	"github.com/shineum/smtp-sink-lite/internal/transport"
)

// maxAttempts bounds the SDK retryer, including the first attempt.
const maxAttempts = 4

// Config holds the settings for creating a Transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the subset of the SES v2 client used by Transport.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends messages via the AWS SES v2 API. Every message is sent
// from the configured sender identity.
type Transport struct {
	sender string
	client SendEmailAPI
}

// New loads the AWS configuration and creates a Transport. Static
// credentials are used when both keys are set, otherwise the default
// credential chain applies.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(maxAttempts),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Transport around an existing client.
func NewWithClient(sender string, client SendEmailAPI) *Transport {
	return &Transport{sender: sender, client: client}
}

// Send delivers msg. Messages with attachments are sent as raw MIME,
// everything else uses SES simple content.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	input, err := t.buildInput(msg)
	if err != nil {
		return err
	}
	if _, err := t.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("SES SendEmail failed: %w", err)
	}
	return nil
}

// Name returns "ses".
func (t *Transport) Name() string {
	return "ses"
}

// Sender returns the SES identity messages are sent from.
func (t *Transport) Sender() string {
	return t.sender
}

// Family reports the modern family.
func (t *Transport) Family() transport.Family {
	return transport.FamilyModern
}

func (t *Transport) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	dest := &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}

	if len(msg.Attachments) > 0 {
		out := *msg
		out.From = t.sender
		raw, err := email.Render(&out)
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		return &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(t.sender),
			Destination:      dest,
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}, nil
	}

	body := &types.Body{}
	if msg.HTMLBody != "" {
		body.Html = utf8Content(msg.HTMLBody)
	}
	if msg.TextBody != "" {
		body.Text = utf8Content(msg.TextBody)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.sender),
		Destination:      dest,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(msg.Subject),
				Body:    body,
			},
		},
	}, nil
}

func utf8Content(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}
