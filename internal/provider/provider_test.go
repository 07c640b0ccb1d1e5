package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

func TestTranslateHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{http.StatusTooManyRequests, domain.KindRateLimited},
		{http.StatusRequestTimeout, domain.KindTimeout},
		{http.StatusNotFound, domain.KindModelUnavailable},
		{http.StatusBadRequest, domain.KindInvalidRequest},
		{http.StatusUnprocessableEntity, domain.KindInvalidRequest},
		{http.StatusServiceUnavailable, domain.KindModelUnavailable},
		{http.StatusInternalServerError, domain.KindProviderError},
		{http.StatusBadGateway, domain.KindProviderError},
	}

	for _, tc := range cases {
		err := TranslateHTTPStatus("upstream", tc.status, "boom")
		if !domain.IsKind(err, tc.kind) {
			t.Errorf("status %d: expected kind %s, got %v", tc.status, tc.kind, err)
		}
	}
}

func TestTranslateHTTPStatusTruncatesBody(t *testing.T) {
	err := TranslateHTTPStatus("upstream", http.StatusBadGateway, strings.Repeat("x", 2000))

	var ge *domain.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected *domain.Error, got %T", err)
	}
	body, ok := ge.Details["upstreamBody"].(string)
	if !ok || len(body) != 512 {
		t.Errorf("expected body truncated to 512 bytes, got %d", len(body))
	}
}

func TestTranslateError(t *testing.T) {
	if TranslateError("upstream", nil) != nil {
		t.Error("nil must pass through as nil")
	}

	typed := domain.NewError(domain.KindRateLimited, "slow down")
	if got := TranslateError("upstream", typed); !domain.IsKind(got, domain.KindRateLimited) {
		t.Errorf("typed error must pass through untouched, got %v", got)
	}

	if got := TranslateError("upstream", context.DeadlineExceeded); !domain.IsKind(got, domain.KindTimeout) {
		t.Errorf("deadline expiry should become TIMEOUT, got %v", got)
	}
	if got := TranslateError("upstream", context.Canceled); !domain.IsKind(got, domain.KindTimeout) {
		t.Errorf("cancellation should become TIMEOUT, got %v", got)
	}

	plain := errors.New("connection reset")
	got := TranslateError("upstream", plain)
	if !domain.IsKind(got, domain.KindProviderError) {
		t.Errorf("unclassified error should become PROVIDER_ERROR, got %v", got)
	}
	if !errors.Is(got, plain) {
		t.Error("wrapped cause must survive errors.Is")
	}
}

func TestErrUnsupported(t *testing.T) {
	err := ErrUnsupported("anthropic", domain.CapabilitySpeech)
	if !domain.IsKind(err, domain.KindModelUnavailable) {
		t.Fatalf("expected MODEL_UNAVAILABLE, got %v", err)
	}
}
