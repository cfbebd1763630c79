// Package sqs carries outbox wake-up signals from the Content Service to the relay.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/outbox"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer sends wake-up signals.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue tells the relay there is new work. The signal carries no payload
// the relay depends on; discovery always reads the outbox.
func (p *Producer) Enqueue(ctx context.Context, sig outbox.WakeSignal) (string, error) {
	body, err := json.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal wake signal: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send wake signal to sqs",
			zap.Error(err),
			zap.String("kind", string(sig.Kind)),
			zap.Int64("id", sig.ID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Received is one wake-up message and the handle needed to delete it.
type Received struct {
	Signal        outbox.WakeSignal
	ReceiptHandle string
}

// Consumer reads wake-up signals with long polling.
type Consumer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive waits up to 20s for signals. A body that does not parse is still
// returned, with a zero Signal, so it wakes the relay and gets deleted.
func (c *Consumer) Receive(ctx context.Context) ([]Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		var sig outbox.WakeSignal
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &sig); err != nil {
			c.logger.Warn("unparseable wake signal", zap.Error(err), zap.String("message_id", aws.ToString(m.MessageId)))
		}
		out = append(out, Received{Signal: sig, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return out, nil
}

// Delete removes a message after the sweep it triggered.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
