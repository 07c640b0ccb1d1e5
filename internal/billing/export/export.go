// Package export streams finalized charges to the billing ledger's intake
// queue. Publication is fire-and-forget from the request path: a failed
// publish is logged, never surfaced, since the wallet deduct already
// happened and remains the source of truth.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

// UsageEvent is the message shape the billing consumer ingests.
type UsageEvent struct {
	RequestID    string            `json:"request_id"`
	UserID       string            `json:"user_id"`
	WalletType   domain.WalletType `json:"wallet_type"`
	WalletOwner  string            `json:"wallet_owner"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	Capability   domain.Capability `json:"capability"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	Credits      float64           `json:"credits"`
	Cached       bool              `json:"cached"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Exporter publishes usage events.
type Exporter interface {
	Publish(ctx context.Context, event UsageEvent) error
}

// SQSExporter publishes to an SQS queue.
type SQSExporter struct {
	client   *sqs.Client
	queueURL string
}

func NewSQS(ctx context.Context, region, queueURL string) (*SQSExporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSWithConfig(cfg aws.Config, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (e *SQSExporter) Publish(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	_, err = e.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

// MemoryExporter collects events in memory for development and tests.
type MemoryExporter struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewMemory() *MemoryExporter {
	return &MemoryExporter{}
}

func (e *MemoryExporter) Publish(ctx context.Context, event UsageEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *MemoryExporter) Events() []UsageEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]UsageEvent, len(e.events))
	copy(out, e.events)
	return out
}

// PublishAsync publishes on a new goroutine with its own deadline, logging
// failures instead of returning them.
func PublishAsync(exporter Exporter, event UsageEvent) {
	if exporter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := exporter.Publish(ctx, event); err != nil {
			slog.Warn("usage event publish failed", "error", err, "request_id", event.RequestID)
		}
	}()
}
