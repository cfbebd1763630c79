// Package sns publishes operator alerts when an outbox row is dead-lettered.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// Alert describes a row that left discovery after too many failed deliveries.
type Alert struct {
	Kind           string    `json:"kind"`
	ID             int64     `json:"id"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Subject is the short line used as the SNS subject and email subject of subscribed operators.
func (a Alert) Subject() string {
	return fmt.Sprintf("vlasia: %s %d dead-lettered after %d attempts", a.Kind, a.ID, a.Attempts)
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config for the alert topic. Endpoint overrides the AWS endpoint (LocalStack).
type Config struct {
	Region   string
	TopicARN string
	Endpoint string
}

// Publisher sends alerts to an SNS topic.
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("sns topic arn is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Publisher{client: client, topicARN: cfg.TopicARN, logger: logger}, nil
}

// Publish sends one alert. The kind is a message attribute so operators can
// filter subscriptions.
func (p *Publisher) Publish(ctx context.Context, alert Alert) (string, error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		return "", fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(truncateSubject(alert.Subject())),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Kind),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Info("dead-letter alert published",
		zap.String("kind", alert.Kind),
		zap.Int64("id", alert.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}

// LogPublisher writes alerts to the log when no topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, alert Alert) (string, error) {
	p.logger.Warn("outbox row dead-lettered",
		zap.String("kind", alert.Kind),
		zap.Int64("id", alert.ID),
		zap.Int("attempts", alert.Attempts),
		zap.String("last_error", alert.LastError),
	)
	return "", nil
}

// SNS subjects are limited to 100 ASCII characters.
func truncateSubject(s string) string {
	if len(s) > 100 {
		return s[:100]
	}
	return s
}
