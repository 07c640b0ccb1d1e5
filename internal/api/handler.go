// Package api is the HTTP surface. Handlers decode capability-specific
// request bodies into the normalized GenerationRequest, run the per-user
// rate limit, and hand off to the gateway; errors come back out as the
// taxonomy-shaped JSON envelope.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abclegacyllc/modelgate/internal/catalog"
	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/gateway"
	"github.com/abclegacyllc/modelgate/internal/metrics"
	"github.com/abclegacyllc/modelgate/internal/ratelimit"
)

type HandlerConfig struct {
	Gateway      *gateway.Gateway
	Catalog      *catalog.Catalog
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Health       HealthCheckConfig
}

type Handler struct {
	gateway      *gateway.Gateway
	catalog      *catalog.Catalog
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	health       HealthCheckConfig
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		gateway:      cfg.Gateway,
		catalog:      cfg.Catalog,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		health:       cfg.Health,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("POST /v1/images", h.handleImages)
	h.mux.HandleFunc("POST /v1/audio/speech", h.handleSpeech)
	h.mux.HandleFunc("POST /v1/audio/transcriptions", h.handleTranscription)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("DELETE /v1/cache/models/{model}", h.handleInvalidateModel)
	h.mux.HandleFunc("DELETE /v1/cache/conversations/{id}", h.handleInvalidateConversation)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type chatRequest struct {
	UserID         string           `json:"userId"`
	OrganizationID string           `json:"organizationId"`
	ConversationID string           `json:"conversationId"`
	Model          string           `json:"model"`
	Messages       []domain.Message `json:"messages"`
	Temperature    *float64         `json:"temperature"`
	MaxTokens      *int             `json:"maxTokens"`
	SmartRouting   bool             `json:"smartRouting"`
	Stream         bool             `json:"stream"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.UserID == "" || body.Model == "" || len(body.Messages) == 0 {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "userId, model and messages are required"))
		return
	}
	if !h.allowRate(w, r, body.UserID) {
		return
	}

	req := domain.GenerationRequest{
		Tenant:         domain.Tenant{UserID: body.UserID, OrganizationID: body.OrganizationID},
		ConversationID: body.ConversationID,
		Model:          body.Model,
		Messages:       body.Messages,
		Temperature:    body.Temperature,
		MaxTokens:      body.MaxTokens,
		Capability:     domain.CapabilityText,
		SmartRouting:   body.SmartRouting,
		Stream:         body.Stream,
	}

	if body.Stream {
		h.streamChat(w, r, req)
		return
	}

	result, err := h.gateway.Generate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// streamChat relays the gateway's chunk stream as SSE. After the last delta
// one terminal frame carries the accounting, then the [DONE] sentinel.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "streaming not supported by this connection"))
		return
	}

	chunks, final, err := h.gateway.GenerateStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range chunks {
		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	end := <-final
	if end.Err != nil && end.Result == nil {
		// Nothing delivered; the failure becomes an SSE error frame since
		// headers are already out.
		data, _ := json.Marshal(map[string]any{"error": errorBody(end.Err)})
		w.Write([]byte("data: " + string(data) + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
		return
	}
	if end.Result != nil {
		data, _ := json.Marshal(map[string]any{
			"usage":       end.Result.Usage,
			"creditsUsed": end.Result.CreditsUsed,
			"newBalance":  end.Result.NewBalance,
			"routing":     end.Result.Routing,
			"cached":      end.Result.Cached,
		})
		w.Write([]byte("data: " + string(data) + "\n\n"))
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

type imageRequest struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Count          int    `json:"count"`
}

func (h *Handler) handleImages(w http.ResponseWriter, r *http.Request) {
	var body imageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.UserID == "" || body.Model == "" || body.Prompt == "" {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "userId, model and prompt are required"))
		return
	}
	if !h.allowRate(w, r, body.UserID) {
		return
	}

	result, err := h.gateway.Generate(r.Context(), domain.GenerationRequest{
		Tenant:     domain.Tenant{UserID: body.UserID, OrganizationID: body.OrganizationID},
		Model:      body.Model,
		Prompt:     body.Prompt,
		ImageCount: body.Count,
		Capability: domain.CapabilityImage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type speechRequest struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Model          string `json:"model"`
	Text           string `json:"text"`
	Voice          string `json:"voice"`
}

func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var body speechRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.UserID == "" || body.Model == "" || body.Text == "" {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "userId, model and text are required"))
		return
	}
	if !h.allowRate(w, r, body.UserID) {
		return
	}

	result, err := h.gateway.SynthesizeSpeech(r.Context(), domain.GenerationRequest{
		Tenant: domain.Tenant{UserID: body.UserID, OrganizationID: body.OrganizationID},
		Model:  body.Model,
		Text:   body.Text,
		Voice:  body.Voice,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type transcriptionRequest struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Model          string `json:"model"`
	AudioBase64    string `json:"audioBase64"`
	Language       string `json:"language"`
}

func (h *Handler) handleTranscription(w http.ResponseWriter, r *http.Request) {
	var body transcriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.UserID == "" || body.Model == "" || body.AudioBase64 == "" {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "userId, model and audioBase64 are required"))
		return
	}
	if !h.allowRate(w, r, body.UserID) {
		return
	}

	result, err := h.gateway.Transcribe(r.Context(), domain.GenerationRequest{
		Tenant:      domain.Tenant{UserID: body.UserID, OrganizationID: body.OrganizationID},
		Model:       body.Model,
		AudioBase64: body.AudioBase64,
		Language:    body.Language,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type modelInfo struct {
	ID           string              `json:"id"`
	Provider     string              `json:"provider"`
	Family       string              `json:"family"`
	Tier         string              `json:"tier"`
	Capabilities []domain.Capability `json:"capabilities"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.catalog.List()
	out := make([]modelInfo, 0, len(models))
	for _, m := range models {
		out = append(out, modelInfo{
			ID:           m.ID,
			Provider:     m.Provider,
			Family:       m.Family,
			Tier:         m.Tier.String(),
			Capabilities: m.Capabilities,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (h *Handler) handleInvalidateModel(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "model is required"))
		return
	}
	if err := h.gateway.InvalidateModel(r.Context(), model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": model})
}

func (h *Handler) handleInvalidateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, domain.NewError(domain.KindInvalidRequest, "conversation id is required"))
		return
	}
	if err := h.gateway.InvalidateConversation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": id})
}

// allowRate applies the per-user limit and writes the 429 itself when the
// quota is spent. Limiter backend failures fail open.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
		return true
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), userID, h.rateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "user_id", userID)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(userID)
		writeError(w, domain.NewError(domain.KindRateLimited, "rate limit exceeded").
			WithRetryAfter(time.Until(resetAt)))
		return false
	}
	return true
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message      string         `json:"message"`
	Kind         string         `json:"kind"`
	Code         int            `json:"code"`
	Details      map[string]any `json:"details,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
}

func errorBody(err error) errorDetail {
	var ge *domain.Error
	if !errors.As(err, &ge) {
		ge = domain.NewError(domain.KindProviderError, "internal error")
	}
	return errorDetail{
		Message:      ge.Message,
		Kind:         string(ge.Kind),
		Code:         ge.Status,
		Details:      ge.Details,
		RetryAfterMs: ge.RetryAfter.Milliseconds(),
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	if body.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((body.RetryAfterMs+999)/1000, 10))
	}
	writeJSON(w, body.Code, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
