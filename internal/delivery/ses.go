package delivery

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/ignite/outreach-engine/internal/config"
)

// EmailSender is the outbound email transport.
type EmailSender interface {
	SendEmail(ctx context.Context, to, toName, subject, htmlBody string) (string, error)
}

// SESSender sends email through AWS SES v2.
type SESSender struct {
	client    *sesv2.Client
	fromEmail string
	fromName  string
}

// NewSESSender creates an SES v2 transport from static credentials.
func NewSESSender(ctx context.Context, cfg appconfig.SESConfig) (*SESSender, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESSender{
		client:    sesv2.NewFromConfig(awsCfg),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}, nil
}

// SendEmail sends one message and returns the SES message id.
func (s *SESSender) SendEmail(ctx context.Context, to, toName, subject, htmlBody string) (string, error) {
	from := s.fromEmail
	if s.fromName != "" {
		from = fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody)},
				},
			},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send to %s: %w", to, err)
	}
	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return messageID, nil
}

// LogSender is a stand-in transport for local runs with SES disabled. It
// logs instead of sending.
type LogSender struct{}

// SendEmail logs the would-be message.
func (LogSender) SendEmail(_ context.Context, to, _, subject, _ string) (string, error) {
	log.Printf("[Delivery] (dry-run) to=%s subject=%q", to, subject)
	return "dry-run", nil
}
