package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/config"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

// SESTransport sends via AWS SES using the SDK v2.
type SESTransport struct {
	client *sesv2.Client
	log    *logger.Logger
}

// NewSES creates an SES transport. With empty credentials the default AWS
// credential chain applies (IAM role on ECS).
func NewSES(ctx context.Context, cfg config.SESConfig) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESTransport{
		client: sesv2.NewFromConfig(awsCfg),
		log:    logger.Component("ses"),
	}, nil
}

// Send delivers a single email through AWS SES.
func (s *SESTransport) Send(ctx context.Context, env *Envelope) (*Result, error) {
	from := env.From
	if env.FromName != "" {
		from = fmt.Sprintf("%s <%s>", env.FromName, env.From)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{env.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(env.HTML), Charset: aws.String("UTF-8")},
				},
				Headers: messageHeaders(env.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(env.CampaignID)},
			{Name: aws.String("recipient_id"), Value: aws.String(env.RecipientID)},
		},
	}

	if env.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(env.Text), Charset: aws.String("UTF-8")}
	}
	if env.ReplyTo != "" {
		input.ReplyToAddresses = []string{env.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, Classify(err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}

	s.log.Debug("sent", "to", logger.RedactEmail(env.To), "message_id", messageID)

	return &Result{MessageID: messageID, SentAt: time.Now()}, nil
}

// Close releases transport resources. The SES client holds none.
func (s *SESTransport) Close() error { return nil }

func messageHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(h))
	for k, v := range h {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}

// Classify maps an SES error to permanent or transient. Unknown errors
// stay transient so throttling and network blips get retried.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanent("message rejected", err)
	}
	var suspended *types.AccountSuspendedException
	if errors.As(err, &suspended) {
		return Permanent("sending account suspended", err)
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return Permanent("sending identity not found", err)
	}
	var fromDomain *types.MailFromDomainNotVerifiedException
	if errors.As(err, &fromDomain) {
		return Permanent("mail-from domain not verified", err)
	}
	var badRequest *types.BadRequestException
	if errors.As(err, &badRequest) {
		return Permanent("bad request", err)
	}

	// TooManyRequests, SendingPaused, timeouts and everything else: retryable.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("ses %s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
