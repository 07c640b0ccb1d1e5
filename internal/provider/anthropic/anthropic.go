// Package anthropic adapts the Anthropic Messages API to the gateway
// contract. Text generation only; other capabilities report
// MODEL_UNAVAILABLE.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/httputil"
	"github.com/abclegacyllc/modelgate/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) ID() string {
	return "anthropic"
}

type messagesRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      usage  `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Usage usage  `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
}

func (a *Adapter) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	if req.Capability == domain.CapabilityImage {
		return nil, provider.ErrUnsupported(a.ID(), req.Capability)
	}

	body, err := json.Marshal(toMessagesRequest(req, false))
	if err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := a.newRequest(ctx, bytes.NewReader(body))
	if err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, provider.TranslateHTTPStatus(a.ID(), resp.StatusCode, string(bodyBytes))
	}

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("decode response: %w", err))
	}

	var content string
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.GenerationResult{
		ID:      msgResp.ID,
		Model:   req.Model,
		Content: content,
		Usage: domain.Usage{
			PromptTokens:     msgResp.Usage.InputTokens,
			CompletionTokens: msgResp.Usage.OutputTokens,
			TotalTokens:      msgResp.Usage.InputTokens + msgResp.Usage.OutputTokens,
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

		body, err := json.Marshal(toMessagesRequest(req, true))
		if err != nil {
			end <- domain.StreamEnd{Err: provider.TranslateError(a.ID(), err)}
			return
		}

		httpReq, err := a.newRequest(ctx, bytes.NewReader(body))
		if err != nil {
			end <- domain.StreamEnd{Err: provider.TranslateError(a.ID(), err)}
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			end <- domain.StreamEnd{Err: provider.TranslateError(a.ID(), err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			end <- domain.StreamEnd{Err: provider.TranslateHTTPStatus(a.ID(), resp.StatusCode, string(bodyBytes))}
			return
		}

		var agg domain.Usage
		var messageID string

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					messageID = event.Message.ID
					agg.PromptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				out := domain.StreamChunk{ID: messageID, Delta: event.Delta.Text}
				select {
				case chunks <- out:
				case <-ctx.Done():
					end <- domain.StreamEnd{Usage: finishUsage(agg), Err: provider.TranslateError(a.ID(), ctx.Err())}
					return
				}
			case "message_delta":
				if event.Usage != nil {
					agg.CompletionTokens = event.Usage.OutputTokens
				}
				if event.Delta != nil && event.Delta.StopReason != "" {
					out := domain.StreamChunk{ID: messageID, FinishReason: mapStopReason(event.Delta.StopReason)}
					select {
					case chunks <- out:
					case <-ctx.Done():
						end <- domain.StreamEnd{Usage: finishUsage(agg), Err: provider.TranslateError(a.ID(), ctx.Err())}
						return
					}
				}
			case "message_stop":
				end <- domain.StreamEnd{Usage: finishUsage(agg)}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			end <- domain.StreamEnd{Usage: finishUsage(agg), Err: provider.TranslateError(a.ID(), err)}
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

func (a *Adapter) newRequest(ctx context.Context, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func toMessagesRequest(req domain.GenerationRequest, stream bool) messagesRequest {
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

	return messagesRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
		System:    system,
		Stream:    stream,
	}
}

func finishUsage(u domain.Usage) domain.Usage {
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
