// Package openai adapts the OpenAI API to the gateway contract. It is the
// only adapter serving all four capabilities: chat, images, speech
// synthesis (tts), and speech recognition (whisper).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/httputil"
	"github.com/abclegacyllc/modelgate/internal/provider"
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) ID() string {
	return "openai"
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StreamOpts  *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	if req.Capability == domain.CapabilityImage {
		return a.generateImage(ctx, req)
	}

	body, err := json.Marshal(toChatRequest(req, false))
	if err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("marshal request: %w", err))
	}

	respBody, err := a.post(ctx, "/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("decode response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewError(domain.KindProviderError, "openai returned no choices")
	}

	return &domain.GenerationResult{
		ID:        resp.ID,
		Model:     req.Model,
		Content:   resp.Choices[0].Message.Content,
		Usage:     toUsage(resp.Usage),
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

		body, err := json.Marshal(toChatRequest(req, true))
		if err != nil {
			end <- domain.StreamEnd{Err: provider.TranslateError(a.ID(), err)}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			end <- domain.StreamEnd{Err: provider.TranslateError(a.ID(), err)}
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
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

		var usage domain.Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				end <- domain.StreamEnd{Usage: usage}
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = toUsage(*chunk.Usage)
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			out := domain.StreamChunk{
				ID:           chunk.ID,
				Delta:        chunk.Choices[0].Delta.Content,
				FinishReason: chunk.Choices[0].FinishReason,
			}
			select {
			case chunks <- out:
			case <-ctx.Done():
				end <- domain.StreamEnd{Usage: usage, Err: provider.TranslateError(a.ID(), ctx.Err())}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			end <- domain.StreamEnd{Usage: usage, Err: provider.TranslateError(a.ID(), err)}
			return
		}
		end <- domain.StreamEnd{Usage: usage}
	}()

	return chunks, end
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Format string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

func (a *Adapter) generateImage(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	count := req.ImageCount
	if count < 1 {
		count = 1
	}

	body, err := json.Marshal(imageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      count,
		Format: "b64_json",
	})
	if err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}

	respBody, err := a.post(ctx, "/images/generations", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var resp imageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("decode response: %w", err))
	}

	images := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.B64JSON != "" {
			images = append(images, d.B64JSON)
		} else {
			images = append(images, d.URL)
		}
	}

	return &domain.GenerationResult{
		Model:     req.Model,
		Images:    images,
		Usage:     domain.Usage{Images: len(images)},
		Provider:  a.ID(),
		CreatedAt: time.Now(),
	}, nil
}

type speechRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

func (a *Adapter) SynthesizeSpeech(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	voice := req.Voice
	if voice == "" {
		voice = "alloy"
	}

	body, err := json.Marshal(speechRequest{Model: req.Model, Input: req.Text, Voice: voice})
	if err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}

	audio, err := a.post(ctx, "/audio/speech", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	return &domain.GenerationResult{
		Model:       req.Model,
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
		Usage:       domain.Usage{Characters: len(req.Text)},
		Provider:    a.ID(),
		CreatedAt:   time.Now(),
	}, nil
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
}

func (a *Adapter) Transcribe(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		return nil, domain.WrapError(domain.KindInvalidRequest, "audio is not valid base64", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.mp3")
	if err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}
	if err := writer.WriteField("model", req.Model); err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}
	if req.Language != "" {
		if err := writer.WriteField("language", req.Language); err != nil {
			return nil, provider.TranslateError(a.ID(), err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}

	respBody, err := a.post(ctx, "/audio/transcriptions", writer.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("decode response: %w", err))
	}

	return &domain.GenerationResult{
		Model:     req.Model,
		Text:      resp.Text,
		Usage:     domain.Usage{AudioSeconds: resp.Duration},
		Provider:  a.ID(),
		CreatedAt: time.Now(),
	}, nil
}

// post issues an authenticated POST and returns the raw body, translating
// failures into taxonomy errors.
func (a *Adapter) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, body)
	if err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TranslateError(a.ID(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.TranslateError(a.ID(), fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.TranslateHTTPStatus(a.ID(), resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func toChatRequest(req domain.GenerationRequest, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	out := chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		out.StreamOpts = &streamOpts{IncludeUsage: true}
	}
	return out
}

func toUsage(u usagePayload) domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
