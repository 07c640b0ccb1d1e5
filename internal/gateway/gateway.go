// Package gateway composes the request pipeline: availability check, smart
// routing, semantic cache, credit admission, breaker-wrapped provider
// dispatch, cache store, and the final charge. One Gateway serves many
// concurrent requests; the only shared mutable state is the breaker
// registry and the external stores.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/abclegacyllc/modelgate/internal/admission"
	"github.com/abclegacyllc/modelgate/internal/billing/export"
	"github.com/abclegacyllc/modelgate/internal/catalog"
	"github.com/abclegacyllc/modelgate/internal/circuitbreaker"
	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/metrics"
	"github.com/abclegacyllc/modelgate/internal/provider"
	"github.com/abclegacyllc/modelgate/internal/semcache"
	"github.com/abclegacyllc/modelgate/internal/smartroute"
	"github.com/abclegacyllc/modelgate/internal/telemetry"
)

// Config wires the pipeline's collaborators.
type Config struct {
	Catalog   *catalog.Catalog
	Router    *smartroute.Router
	Cache     *semcache.Cache // nil disables caching entirely
	Admission *admission.Controller
	Adapters  map[string]provider.Adapter
	Breakers  *circuitbreaker.Registry
	Exporter  export.Exporter // optional usage-event sink
	CacheTTL  time.Duration
}

// Gateway is the request orchestrator.
type Gateway struct {
	catalog   *catalog.Catalog
	router    *smartroute.Router
	cache     *semcache.Cache
	admission *admission.Controller
	adapters  map[string]provider.Adapter
	breakers  *circuitbreaker.Registry
	exporter  export.Exporter
	cacheTTL  time.Duration
}

// New creates a gateway. Adapters are keyed by provider id.
func New(cfg Config) *Gateway {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	return &Gateway{
		catalog:   cfg.Catalog,
		router:    cfg.Router,
		cache:     cfg.Cache,
		admission: cfg.Admission,
		adapters:  cfg.Adapters,
		breakers:  cfg.Breakers,
		exporter:  cfg.Exporter,
		cacheTTL:  cacheTTL,
	}
}

// Adapters returns the configured provider ids.
func (g *Gateway) Adapters() []string {
	ids := make([]string, 0, len(g.adapters))
	for id := range g.adapters {
		ids = append(ids, id)
	}
	return ids
}

// BreakerStates reports the current circuit state per provider.
func (g *Gateway) BreakerStates() map[string]string {
	return g.breakers.States()
}

// InvalidateModel drops all cached answers for a model.
func (g *Gateway) InvalidateModel(ctx context.Context, model string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.InvalidateByModel(ctx, model)
}

// InvalidateConversation drops all cached answers scoped to a conversation.
func (g *Gateway) InvalidateConversation(ctx context.Context, conversationID string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.InvalidateByConversation(ctx, conversationID)
}

// resolve validates availability and applies smart routing. It returns the
// effective catalog model, the adapter serving it, and the routing
// decision. The request's Model field is substituted with the effective
// model; the decision preserves the original for reporting.
func (g *Gateway) resolve(req *domain.GenerationRequest) (catalog.Model, provider.Adapter, *domain.RoutingDecision, error) {
	model, ok := g.catalog.Get(req.Model)
	if !ok {
		return catalog.Model{}, nil, nil, domain.NewError(domain.KindModelUnavailable,
			fmt.Sprintf("model %s is not available", req.Model))
	}
	if !model.Supports(req.Capability) {
		return catalog.Model{}, nil, nil, domain.NewError(domain.KindInvalidRequest,
			fmt.Sprintf("model %s does not support %s", req.Model, req.Capability))
	}

	var decision *domain.RoutingDecision
	if req.Capability == domain.CapabilityText {
		d := g.router.Route(req.Model, req.Messages, req.SmartRouting)
		decision = &d
		if d.WasRouted {
			metrics.RecordDowngrade(d.RequestedModel, d.Model)
			req.Model = d.Model
			model, _ = g.catalog.Get(d.Model)
		}
	}

	adapter, ok := g.adapters[model.Provider]
	if !ok {
		return catalog.Model{}, nil, nil, domain.NewError(domain.KindModelUnavailable,
			fmt.Sprintf("no provider configured for model %s", model.ID))
	}

	return model, adapter, decision, nil
}

// Generate serves buffered text and image generation.
func (g *Gateway) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.generate")
	defer span.End()

	start := time.Now()
	requestID := uuid.New().String()

	model, adapter, decision, err := g.resolve(&req)
	if err != nil {
		return nil, err
	}
	telemetry.AddRequestAttributes(span, req.Tenant.UserID, model.Provider, model.ID, requestID)

	// The semantic cache only ever holds text answers.
	if req.Capability == domain.CapabilityText && g.cache != nil {
		if text, ok := g.cache.Get(ctx, model.ID, cacheMessages(req.Messages), req.ConversationID); ok {
			metrics.RecordCacheHit(model.ID)
			metrics.RecordRequest(string(req.Capability), "cache", model.ID, "hit", time.Since(start).Seconds())
			slog.Info("semantic cache hit",
				"request_id", requestID,
				"user_id", req.Tenant.UserID,
				"model", model.ID,
			)
			return &domain.GenerationResult{
				ID:        requestID,
				Model:     model.ID,
				Content:   text,
				Cached:    true,
				Routing:   decision,
				Provider:  "cache",
				CreatedAt: time.Now(),
			}, nil
		}
		metrics.RecordCacheMiss(model.ID)
	}

	estimate := g.admission.EstimateCost(req.Capability, model.ID, hintFor(req))
	if _, err := g.admission.CheckCredits(ctx, req.Tenant, estimate); err != nil {
		return nil, err
	}

	var result *domain.GenerationResult
	breaker := g.breakers.Get(model.Provider)
	err = breaker.Execute(func() error {
		var callErr error
		result, callErr = g.dispatch(ctx, adapter, req)
		return callErr
	})
	g.publishBreakerState(model.Provider, breaker)
	if err != nil {
		metrics.RecordProviderError(model.Provider, string(domain.KindOf(err)))
		metrics.RecordRequest(string(req.Capability), model.Provider, model.ID, "error", time.Since(start).Seconds())
		return nil, err
	}

	if req.Capability == domain.CapabilityText && g.cache != nil {
		g.cache.Set(ctx, model.ID, cacheMessages(req.Messages), result.Content, g.cacheTTL, req.ConversationID)
	}

	charge, err := g.admission.ChargeFinal(ctx, req.Tenant, admission.ChargeRecord{
		RequestID:  requestID,
		Model:      model.ID,
		Provider:   model.Provider,
		Capability: req.Capability,
		Usage:      result.Usage,
	})
	if err != nil {
		return nil, err
	}

	g.finishResult(result, requestID, model, decision, charge, req)
	metrics.RecordRequest(string(req.Capability), model.Provider, model.ID, "ok", time.Since(start).Seconds())
	metrics.RecordTokens(model.Provider, model.ID, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	metrics.RecordCredits(string(charge.WalletType), model.ID, charge.CreditsUsed)

	slog.Info("request completed",
		"request_id", requestID,
		"user_id", req.Tenant.UserID,
		"provider", model.Provider,
		"model", model.ID,
		"credits", charge.CreditsUsed,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (g *Gateway) dispatch(ctx context.Context, adapter provider.Adapter, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	switch req.Capability {
	case domain.CapabilityText, domain.CapabilityImage:
		return adapter.Generate(ctx, req)
	case domain.CapabilitySpeech:
		return adapter.SynthesizeSpeech(ctx, req)
	case domain.CapabilityTranscription:
		return adapter.Transcribe(ctx, req)
	default:
		return nil, domain.NewError(domain.KindInvalidRequest,
			fmt.Sprintf("unknown capability %q", req.Capability))
	}
}

// SynthesizeSpeech serves text-to-speech through the same pipeline.
func (g *Gateway) SynthesizeSpeech(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	req.Capability = domain.CapabilitySpeech
	return g.Generate(ctx, req)
}

// Transcribe serves speech-to-text through the same pipeline.
func (g *Gateway) Transcribe(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	req.Capability = domain.CapabilityTranscription
	return g.Generate(ctx, req)
}

func (g *Gateway) finishResult(result *domain.GenerationResult, requestID string, model catalog.Model, decision *domain.RoutingDecision, charge *domain.CreditCharge, req domain.GenerationRequest) {
	if result.ID == "" {
		result.ID = requestID
	}
	result.Model = model.ID
	result.Routing = decision
	result.CreditsUsed = charge.CreditsUsed
	result.NewBalance = charge.NewBalance

	export.PublishAsync(g.exporter, export.UsageEvent{
		RequestID:    requestID,
		UserID:       req.Tenant.UserID,
		WalletType:   charge.WalletType,
		WalletOwner:  req.Tenant.WalletOwner(),
		Model:        model.ID,
		Provider:     model.Provider,
		Capability:   req.Capability,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		Credits:      charge.CreditsUsed,
		CreatedAt:    time.Now().UTC(),
	})
}

func (g *Gateway) publishBreakerState(providerID string, b *circuitbreaker.Breaker) {
	metrics.SetCircuitBreakerState(providerID, int(b.State()))
}

func hintFor(req domain.GenerationRequest) admission.UsageHint {
	switch req.Capability {
	case domain.CapabilityText:
		chars := 0
		for _, m := range req.Messages {
			chars += len(m.Content)
		}
		hint := admission.UsageHint{PromptChars: chars}
		if req.MaxTokens != nil {
			hint.MaxTokens = *req.MaxTokens
		}
		return hint
	case domain.CapabilityImage:
		return admission.UsageHint{Images: req.ImageCount}
	case domain.CapabilitySpeech:
		return admission.UsageHint{Characters: len(req.Text)}
	case domain.CapabilityTranscription:
		// True duration is unknown before the call; the estimate applies the
		// one-minute minimum.
		return admission.UsageHint{}
	}
	return admission.UsageHint{}
}

func cacheMessages(messages []domain.Message) []semcache.Message {
	out := make([]semcache.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, semcache.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
