// Package provider defines the capability contract every external model
// provider is adapted to. Adapters translate divergent request, response,
// streaming, and error shapes into the gateway's normalized types; no
// provider-specific error ever crosses this boundary.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

// Adapter is the single capability interface the orchestrator dispatches
// through. Adapters that do not serve a capability return a
// MODEL_UNAVAILABLE error from the corresponding method.
type Adapter interface {
	ID() string

	// Generate serves buffered text and image generation, selected by the
	// request's capability tag.
	Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error)

	// GenerateStream serves streaming text generation. Chunks arrive in
	// emission order; exactly one StreamEnd follows the last chunk.
	GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan domain.StreamEnd)

	SynthesizeSpeech(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error)

	Transcribe(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error)
}

// ErrUnsupported builds the normalized error for a capability an adapter
// does not serve.
func ErrUnsupported(providerID string, cap domain.Capability) error {
	return domain.NewError(domain.KindModelUnavailable,
		fmt.Sprintf("provider %s does not support %s", providerID, cap))
}

// TranslateHTTPStatus maps an upstream HTTP status to a taxonomy error.
func TranslateHTTPStatus(providerID string, status int, body string) error {
	msg := fmt.Sprintf("%s returned status %d", providerID, status)
	details := map[string]any{"provider": providerID, "upstreamStatus": status}
	if body != "" {
		details["upstreamBody"] = truncate(body, 512)
	}

	var kind domain.ErrorKind
	switch {
	case status == http.StatusTooManyRequests:
		kind = domain.KindRateLimited
	case status == http.StatusRequestTimeout:
		kind = domain.KindTimeout
	case status == http.StatusNotFound:
		kind = domain.KindModelUnavailable
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		// Includes content-policy rejections.
		kind = domain.KindInvalidRequest
	case status == http.StatusServiceUnavailable:
		kind = domain.KindModelUnavailable
	default:
		kind = domain.KindProviderError
	}

	return domain.NewError(kind, msg).WithDetails(details)
}

// TranslateError normalizes transport-level failures. Context cancellation
// and deadline expiry become TIMEOUT; everything else unclassified becomes
// PROVIDER_ERROR. Already-typed errors pass through untouched.
func TranslateError(providerID string, err error) error {
	if err == nil {
		return nil
	}
	var ge *domain.Error
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindTimeout, providerID+" call aborted", err)
	}
	return domain.WrapError(domain.KindProviderError, providerID+" call failed", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
