// Package notify publishes operational events — provider circuits opening
// or closing, wallets approaching their plan limit — to an SNS topic.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type EventType string

const (
	EventProviderDown   EventType = "provider_down"
	EventProviderUp     EventType = "provider_up"
	EventBudgetWarning  EventType = "budget_warning"
	EventBudgetCritical EventType = "budget_critical"
	EventBudgetExceeded EventType = "budget_exceeded"
)

type Event struct {
	Type        EventType      `json:"type"`
	Provider    string         `json:"provider,omitempty"`
	WalletOwner string         `json:"wallet_owner,omitempty"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, event Event) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNS(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Subject:  aws.String(string(event.Type)),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SendAsync publishes on a new goroutine with its own deadline; failures
// are logged, never propagated into the request path.
func SendAsync(n Notifier, event Event) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Send(ctx, event); err != nil {
			slog.Warn("notification failed", "error", err, "type", event.Type)
		}
	}()
}
