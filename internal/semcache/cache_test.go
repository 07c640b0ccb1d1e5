package semcache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func userMsg(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint(userMsg("Hello"))
	b := Fingerprint(userMsg("hello."))
	c := Fingerprint(userMsg("  HELLO!  "))

	if a != b || b != c {
		t.Fatalf("normalized variants must share a fingerprint: %s %s %s", a, b, c)
	}

	if len(a) != hashHexLen {
		t.Errorf("expected %d hex chars, got %d", hashHexLen, len(a))
	}

	if Fingerprint(userMsg("hello")) == Fingerprint(userMsg("goodbye")) {
		t.Error("different questions must not collide")
	}
}

func TestFingerprintRoleSensitive(t *testing.T) {
	a := Fingerprint([]Message{{Role: "user", Content: "hi"}})
	b := Fingerprint([]Message{{Role: "assistant", Content: "hi"}})
	if a == b {
		t.Error("role must be part of the fingerprint")
	}
}

func TestFingerprintWindow(t *testing.T) {
	long := make([]Message, 0, 8)
	for i := 0; i < 8; i++ {
		long = append(long, Message{Role: "user", Content: strings.Repeat("x", i+1)})
	}

	// Only the trailing window participates, so dropping older turns
	// beyond it changes nothing.
	if Fingerprint(long) != Fingerprint(long[len(long)-fingerprintWindow:]) {
		t.Error("messages outside the trailing window must not affect the fingerprint")
	}
	if Fingerprint(long) == Fingerprint(long[:fingerprintWindow]) {
		t.Error("the window is the last messages, not the first")
	}
}

func TestIsCacheable(t *testing.T) {
	if !IsCacheable(userMsg("What is the speed of light?")) {
		t.Error("plain factual question should be cacheable")
	}
	if IsCacheable(userMsg("a")) {
		t.Error("too-short message must not be cacheable")
	}
	if IsCacheable(userMsg(strings.Repeat("x", 501))) {
		t.Error("too-long message must not be cacheable")
	}
	if IsCacheable(userMsg("What is the weather today?")) {
		t.Error("time-sensitive message must not be cacheable")
	}
	if IsCacheable(userMsg("Qual é a cotação do dólar hoje?")) {
		t.Error("portuguese time-sensitive message must not be cacheable")
	}
	if IsCacheable(userMsg("Can you review my code?")) {
		t.Error("context-bound message must not be cacheable")
	}
	if !IsCacheable(userMsg("Describe the Roman nowhere-land of Hadrian's wall")) {
		t.Error("'now' inside a larger word must not trigger the filter")
	}
}

func TestKeyScopes(t *testing.T) {
	msgs := userMsg("what is dependency injection")

	shared := Key("gpt-4o-mini", msgs, "")
	scoped := Key("gpt-4o-mini", msgs, "conv-123")

	if !strings.HasPrefix(shared, "semcache:shared:gpt-4o-mini:") {
		t.Errorf("unexpected shared key %q", shared)
	}
	if !strings.HasPrefix(scoped, "semcache:conversation:conv-123:gpt-4o-mini:") {
		t.Errorf("unexpected scoped key %q", scoped)
	}
	if shared == scoped {
		t.Error("conversation scope must separate keys")
	}
}

func TestCacheMissThenHit(t *testing.T) {
	ctx := context.Background()
	cache := New(NewMemoryStore(), time.Hour)
	msgs := userMsg("Explain binary search")

	if _, ok := cache.Get(ctx, "gpt-4o", msgs, ""); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Set(ctx, "gpt-4o", msgs, "it halves the range", 0, "")

	got, ok := cache.Get(ctx, "gpt-4o", userMsg("explain binary search."), "")
	if !ok {
		t.Fatal("expected hit for normalized rephrase")
	}
	if got != "it halves the range" {
		t.Errorf("wrong cached answer: %q", got)
	}

	// Another model is a different key.
	if _, ok := cache.Get(ctx, "gpt-4o-mini", msgs, ""); ok {
		t.Error("cache must be model-scoped")
	}
}

func TestCacheConversationIsolation(t *testing.T) {
	ctx := context.Background()
	cache := New(NewMemoryStore(), time.Hour)
	msgs := userMsg("summarize the previous answer")

	cache.Set(ctx, "gpt-4o", msgs, "summary for conv-a", 0, "conv-a")

	if _, ok := cache.Get(ctx, "gpt-4o", msgs, "conv-b"); ok {
		t.Error("conversation-scoped entries must not leak across conversations")
	}
	if _, ok := cache.Get(ctx, "gpt-4o", msgs, ""); ok {
		t.Error("conversation-scoped entries must not appear in shared scope")
	}
	if _, ok := cache.Get(ctx, "gpt-4o", msgs, "conv-a"); !ok {
		t.Error("expected hit in the owning conversation")
	}
}

func TestCacheSkipsIneligible(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache := New(store, time.Hour)
	msgs := userMsg("what happened today")

	cache.Set(ctx, "gpt-4o", msgs, "stale news", 0, "")

	if _, ok, _ := store.Get(ctx, Key("gpt-4o", msgs, "")); ok {
		t.Error("ineligible requests must never be stored")
	}
}

func TestInvalidateByModel(t *testing.T) {
	ctx := context.Background()
	cache := New(NewMemoryStore(), time.Hour)

	q := userMsg("what is a goroutine")
	cache.Set(ctx, "gpt-4o", q, "a lightweight thread", 0, "")
	cache.Set(ctx, "gpt-4o-mini", q, "a lightweight thread", 0, "")
	cache.Set(ctx, "gpt-4o", q, "scoped answer", 0, "conv-1")

	if err := cache.InvalidateByModel(ctx, "gpt-4o"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, ok := cache.Get(ctx, "gpt-4o", q, ""); ok {
		t.Error("shared entry for the model should be gone")
	}
	if _, ok := cache.Get(ctx, "gpt-4o", q, "conv-1"); ok {
		t.Error("conversation entry for the model should be gone")
	}
	if _, ok := cache.Get(ctx, "gpt-4o-mini", q, ""); !ok {
		t.Error("other models must be untouched")
	}
}

func TestInvalidateByConversation(t *testing.T) {
	ctx := context.Background()
	cache := New(NewMemoryStore(), time.Hour)

	q := userMsg("what did we decide about indexing")
	cache.Set(ctx, "gpt-4o", q, "use btree", 0, "conv-1")
	cache.Set(ctx, "gpt-4o", q, "use hash", 0, "conv-2")

	if err := cache.InvalidateByConversation(ctx, "conv-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, ok := cache.Get(ctx, "gpt-4o", q, "conv-1"); ok {
		t.Error("conv-1 entries should be gone")
	}
	if _, ok := cache.Get(ctx, "gpt-4o", q, "conv-2"); !ok {
		t.Error("conv-2 entries must survive")
	}
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, context.DeadlineExceeded
}
func (failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return context.DeadlineExceeded
}
func (failingStore) DeleteByPattern(ctx context.Context, pattern string) error {
	return context.DeadlineExceeded
}

func TestCacheDegradesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	cache := New(failingStore{}, time.Hour)
	msgs := userMsg("does a failing store break requests")

	if _, ok := cache.Get(ctx, "gpt-4o", msgs, ""); ok {
		t.Error("store failure must read as a miss")
	}
	// Set must not panic or surface the error.
	cache.Set(ctx, "gpt-4o", msgs, "answer", 0, "")
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.Set(ctx, "k", "v", 10*time.Millisecond)
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatal("expected value before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Error("expected miss after expiry")
	}
}
