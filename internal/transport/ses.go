package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/journey-engine/internal/pkg/logger"
)

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	region string
	client *sesv2.Client
}

// NewSESSender creates an SES sender. With empty keys the default AWS
// credential chain (instance role, env) is used.
func NewSESSender(accessKey, secretKey, region string) (*SESSender, error) {
	if region == "" {
		region = "us-west-2"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESSender{
		region: region,
		client: sesv2.NewFromConfig(cfg),
	}, nil
}

// Send delivers a single email through AWS SES. Tags carry the workflow,
// subscriber, step, and idempotency key so delivery events coming back
// through SNS can be correlated to the journey that sent them.
func (s *SESSender) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if s.client == nil {
		return nil, Permanentf("SES client not initialized")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", req.FromName, req.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{req.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(req.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("workflow_id"), Value: aws.String(req.WorkflowID)},
			{Name: aws.String("subscriber_id"), Value: aws.String(req.SubscriberID)},
			{Name: aws.String("step_id"), Value: aws.String(req.StepID)},
			{Name: aws.String("idempotency_key"), Value: aws.String(req.IdempotencyKey)},
		},
	}

	if req.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(req.Text), Charset: aws.String("UTF-8")}
	}
	if req.ReplyTo != "" {
		input.ReplyToAddresses = []string{req.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] Failed to send to %s: %v", logger.RedactEmail(req.To), err)
		return nil, classifySESError(err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(req.To), messageID)

	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// classifySESError maps SES API errors onto the retry taxonomy. Throttling
// and capacity errors retry; account, recipient, and content errors do not.
func classifySESError(err error) error {
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return Transient(err)
	}
	var sendingPaused *types.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return Transient(err)
	}
	var limitExceeded *types.LimitExceededException
	if errors.As(err, &limitExceeded) {
		return Transient(err)
	}

	var badRequest *types.BadRequestException
	if errors.As(err, &badRequest) {
		return Permanent(err)
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return Permanent(err)
	}
	var accountSuspended *types.AccountSuspendedException
	if errors.As(err, &accountSuspended) {
		return Permanent(err)
	}
	var denied *types.MessageRejected
	if errors.As(err, &denied) {
		return Permanent(err)
	}

	// Network failures and unknown API errors retry.
	return Transient(err)
}
