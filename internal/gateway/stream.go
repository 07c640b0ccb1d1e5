package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/abclegacyllc/modelgate/internal/admission"
	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/metrics"
	"github.com/abclegacyllc/modelgate/internal/telemetry"
)

// StreamFinal closes a chunk stream. Err set means the stream failed; a
// non-nil Result carries the accounting for what was delivered. On
// cancellation both may be set: the error plus a charge for the usage the
// provider reported before the cut.
type StreamFinal struct {
	Result *domain.GenerationResult
	Err    error
}

// GenerateStream runs the pipeline for streaming text generation. Pre-flight
// failures (availability, admission, open circuit) are returned synchronously
// before any channel exists; after that the relay goroutine owns the request
// and reports through the final channel. Both returned channels are closed
// when the stream is over; the final channel carries exactly one value.
func (g *Gateway) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan StreamFinal, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.generate_stream")

	start := time.Now()
	requestID := uuid.New().String()
	req.Capability = domain.CapabilityText

	model, adapter, decision, err := g.resolve(&req)
	if err != nil {
		span.End()
		return nil, nil, err
	}
	telemetry.AddRequestAttributes(span, req.Tenant.UserID, model.Provider, model.ID, requestID)

	chunks := make(chan domain.StreamChunk)
	final := make(chan StreamFinal, 1)

	// A cache hit replays the stored answer as a single chunk.
	if g.cache != nil {
		if text, ok := g.cache.Get(ctx, model.ID, cacheMessages(req.Messages), req.ConversationID); ok {
			metrics.RecordCacheHit(model.ID)
			metrics.RecordRequest(string(req.Capability), "cache", model.ID, "hit", time.Since(start).Seconds())
			go func() {
				defer span.End()
				defer close(chunks)
				defer close(final)
				select {
				case chunks <- domain.StreamChunk{ID: requestID, Delta: text}:
				case <-ctx.Done():
				}
				final <- StreamFinal{Result: &domain.GenerationResult{
					ID:        requestID,
					Model:     model.ID,
					Content:   text,
					Cached:    true,
					Routing:   decision,
					Provider:  "cache",
					CreatedAt: time.Now(),
				}}
			}()
			return chunks, final, nil
		}
		metrics.RecordCacheMiss(model.ID)
	}

	estimate := g.admission.EstimateCost(req.Capability, model.ID, hintFor(req))
	if _, err := g.admission.CheckCredits(ctx, req.Tenant, estimate); err != nil {
		span.End()
		return nil, nil, err
	}

	// The stream's outcome is only known after delivery, so the breaker is
	// consulted up front and settled explicitly from the relay goroutine.
	breaker := g.breakers.Get(model.Provider)
	if err := breaker.Allow(); err != nil {
		span.End()
		g.publishBreakerState(model.Provider, breaker)
		return nil, nil, err
	}

	metrics.ActiveStreams.Inc()

	go func() {
		defer span.End()
		defer metrics.ActiveStreams.Dec()
		defer close(chunks)
		defer close(final)

		upstream, upstreamEnd := adapter.GenerateStream(ctx, req)

		var content string
		for chunk := range upstream {
			chunk.ID = requestID
			content += chunk.Delta
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				// Drain the adapter so its goroutine can exit, then settle
				// with whatever usage it reported.
				for range upstream {
				}
			}
		}
		end := <-upstreamEnd

		cancelled := ctx.Err() != nil
		if end.Err != nil && !cancelled {
			breaker.RecordFailure()
			g.publishBreakerState(model.Provider, breaker)
			metrics.RecordProviderError(model.Provider, string(domain.KindOf(end.Err)))
			metrics.RecordRequest(string(req.Capability), model.Provider, model.ID, "error", time.Since(start).Seconds())
			final <- StreamFinal{Err: end.Err}
			return
		}
		if !cancelled {
			breaker.RecordSuccess()
			g.publishBreakerState(model.Provider, breaker)
		}

		usage := end.Usage
		if usage.TotalTokens == 0 && content != "" {
			// Some providers omit usage on streams; fall back to the same
			// chars-per-token approximation the estimator uses.
			usage = approximateUsage(req, content)
		}

		if cancelled && usage.TotalTokens == 0 {
			// Nothing billable reached the client before the cut.
			final <- StreamFinal{Err: translateCancel(ctx.Err())}
			return
		}

		if !cancelled && g.cache != nil {
			g.cache.Set(ctx, model.ID, cacheMessages(req.Messages), content, g.cacheTTL, req.ConversationID)
		}

		charge, err := g.admission.ChargeFinal(context.WithoutCancel(ctx), req.Tenant, admission.ChargeRecord{
			RequestID:  requestID,
			Model:      model.ID,
			Provider:   model.Provider,
			Capability: req.Capability,
			Usage:      usage,
		})
		if err != nil {
			final <- StreamFinal{Err: err}
			return
		}

		result := &domain.GenerationResult{
			ID:        requestID,
			Model:     model.ID,
			Content:   content,
			Usage:     usage,
			Provider:  model.Provider,
			CreatedAt: time.Now(),
		}
		g.finishResult(result, requestID, model, decision, charge, req)

		status := "ok"
		var finalErr error
		if cancelled {
			status = "cancelled"
			finalErr = translateCancel(ctx.Err())
		}
		metrics.RecordRequest(string(req.Capability), model.Provider, model.ID, status, time.Since(start).Seconds())
		metrics.RecordTokens(model.Provider, model.ID, usage.PromptTokens, usage.CompletionTokens)
		metrics.RecordCredits(string(charge.WalletType), model.ID, charge.CreditsUsed)

		slog.Info("stream completed",
			"request_id", requestID,
			"user_id", req.Tenant.UserID,
			"provider", model.Provider,
			"model", model.ID,
			"credits", charge.CreditsUsed,
			"cancelled", cancelled,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		final <- StreamFinal{Result: result, Err: finalErr}
	}()

	return chunks, final, nil
}

func approximateUsage(req domain.GenerationRequest, content string) domain.Usage {
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	u := domain.Usage{
		PromptTokens:     promptChars / 4,
		CompletionTokens: len(content) / 4,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func translateCancel(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "request deadline exceeded")
	}
	return domain.NewError(domain.KindTimeout, "request cancelled by client")
}
