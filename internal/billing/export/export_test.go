package export

import (
	"context"
	"testing"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

func TestMemoryExporterCollects(t *testing.T) {
	e := NewMemory()

	err := e.Publish(context.Background(), UsageEvent{
		RequestID:  "req-1",
		UserID:     "user-1",
		WalletType: domain.WalletPersonal,
		Model:      "gpt-4o-mini",
		Credits:    0.002,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := e.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].RequestID != "req-1" || events[0].Model != "gpt-4o-mini" {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestPublishAsyncNilExporter(t *testing.T) {
	// Must be a no-op, not a panic.
	PublishAsync(nil, UsageEvent{RequestID: "req-1"})
}

func TestPublishAsyncDelivers(t *testing.T) {
	e := NewMemory()
	PublishAsync(e, UsageEvent{RequestID: "req-1"})

	deadline := time.Now().Add(time.Second)
	for len(e.Events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
