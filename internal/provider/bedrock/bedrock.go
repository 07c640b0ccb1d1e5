// Package bedrock adapts AWS Bedrock (Anthropic-format models) to the
// gateway contract. Text generation only.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/provider"
)

const defaultMaxTokens = 4096

type Adapter struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (a *Adapter) ID() string {
	return "bedrock"
}

type invokeRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []chatMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamChunk struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func (a *Adapter) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	if req.Capability == domain.CapabilityImage {
		return nil, provider.ErrUnsupported(a.ID(), req.Capability)
	}

	body, err := json.Marshal(toInvokeRequest(req))
	if err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, translateSDKError(a.ID(), err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("unmarshal response: %w", err))
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.GenerationResult{
		ID:      resp.ID,
		Model:   req.Model,
		Content: content,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Provider:  a.ID(),
		CreatedAt: time.Now(),
	}, nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan domain.StreamEnd) {
	chunks := make(chan domain.StreamChunk)
	end := make(chan domain.StreamEnd, 1)

	go func() {
		defer close(chunks)
		defer close(end)

		body, err := json.Marshal(toInvokeRequest(req))
		if err != nil {
			end <- domain.StreamEnd{Err: provider.TranslateError(a.ID(), err)}
			return
		}

		output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			end <- domain.StreamEnd{Err: translateSDKError(a.ID(), err)}
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var agg domain.Usage
		var messageID string

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var payload streamChunk
			if err := json.Unmarshal(chunk.Value.Bytes, &payload); err != nil {
				continue
			}

			switch payload.Type {
			case "message_start":
				if payload.Message != nil {
					messageID = payload.Message.ID
					agg.PromptTokens = payload.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if payload.Delta == nil {
					continue
				}
				out := domain.StreamChunk{ID: messageID, Delta: payload.Delta.Text}
				select {
				case chunks <- out:
				case <-ctx.Done():
					end <- domain.StreamEnd{Usage: finishUsage(agg), Err: provider.TranslateError(a.ID(), ctx.Err())}
					return
				}
			case "message_delta":
				if payload.Usage != nil {
					agg.CompletionTokens = payload.Usage.OutputTokens
				}
			case "message_stop":
				end <- domain.StreamEnd{Usage: finishUsage(agg)}
				return
			}
		}

		if err := stream.Err(); err != nil {
			end <- domain.StreamEnd{Usage: finishUsage(agg), Err: translateSDKError(a.ID(), err)}
			return
		}
		end <- domain.StreamEnd{Usage: finishUsage(agg)}
	}()

	return chunks, end
}

func (a *Adapter) SynthesizeSpeech(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	return nil, provider.ErrUnsupported(a.ID(), domain.CapabilitySpeech)
}

func (a *Adapter) Transcribe(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	return nil, provider.ErrUnsupported(a.ID(), domain.CapabilityTranscription)
}

func toInvokeRequest(req domain.GenerationRequest) invokeRequest {
	var system string
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system,
		Temperature:      req.Temperature,
	}
}

func translateSDKError(providerID string, err error) error {
	var throttled *types.ThrottlingException
	var badInput *types.ValidationException
	var notFound *types.ResourceNotFoundException
	var unavailable *types.ServiceUnavailableException
	switch {
	case asErr(err, &throttled):
		return domain.WrapError(domain.KindRateLimited, "bedrock throttled", err)
	case asErr(err, &badInput):
		return domain.WrapError(domain.KindInvalidRequest, "bedrock rejected request", err)
	case asErr(err, &notFound):
		return domain.WrapError(domain.KindModelUnavailable, "bedrock model not found", err)
	case asErr(err, &unavailable):
		return domain.WrapError(domain.KindModelUnavailable, "bedrock unavailable", err)
	default:
		return provider.TranslateError(providerID, err)
	}
}

func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}

func finishUsage(u domain.Usage) domain.Usage {
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
