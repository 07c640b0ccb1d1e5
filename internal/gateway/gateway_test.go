package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abclegacyllc/modelgate/internal/admission"
	"github.com/abclegacyllc/modelgate/internal/billing/export"
	"github.com/abclegacyllc/modelgate/internal/catalog"
	"github.com/abclegacyllc/modelgate/internal/circuitbreaker"
	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/ledger"
	"github.com/abclegacyllc/modelgate/internal/provider"
	"github.com/abclegacyllc/modelgate/internal/semcache"
	"github.com/abclegacyllc/modelgate/internal/smartroute"
)

// fakeAdapter scripts provider behavior per test.
type fakeAdapter struct {
	id     string
	calls  atomic.Int64
	result domain.GenerationResult
	err    error

	chunks    []domain.StreamChunk
	streamEnd domain.StreamEnd
	blockMid  bool // block after the scripted chunks until ctx is done
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	r := f.result
	return &r, nil
}

func (f *fakeAdapter) GenerateStream(ctx context.Context, req domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan domain.StreamEnd) {
	f.calls.Add(1)
	chunks := make(chan domain.StreamChunk)
	end := make(chan domain.StreamEnd, 1)
	go func() {
		defer close(chunks)
		for _, c := range f.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				end <- domain.StreamEnd{Usage: f.streamEnd.Usage, Err: ctx.Err()}
				return
			}
		}
		if f.blockMid {
			<-ctx.Done()
			end <- domain.StreamEnd{Usage: f.streamEnd.Usage, Err: ctx.Err()}
			return
		}
		end <- f.streamEnd
	}()
	return chunks, end
}

func (f *fakeAdapter) SynthesizeSpeech(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	return f.Generate(ctx, req)
}

func (f *fakeAdapter) Transcribe(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	return f.Generate(ctx, req)
}

type testEnv struct {
	gateway  *Gateway
	adapter  *fakeAdapter
	ledger   *ledger.Memory
	exporter *export.MemoryExporter
}

func newTestEnv(t *testing.T, adapter *fakeAdapter) *testEnv {
	t.Helper()

	cat := catalog.NewDefault()
	led := ledger.NewMemory()
	led.PutWallet(ledger.Wallet{OwnerID: "user-1", Type: domain.WalletPersonal, Balance: 100})

	exporter := export.NewMemory()

	gw := New(Config{
		Catalog:   cat,
		Router:    smartroute.New(cat),
		Cache:     semcache.New(semcache.NewMemoryStore(), time.Hour),
		Admission: admission.New(cat, led, admission.DefaultThresholds()),
		Adapters:  map[string]provider.Adapter{"openai": adapter, "anthropic": adapter},
		Breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			FailureThreshold: 3,
			MonitoringWindow: time.Minute,
			ResetTimeout:     30 * time.Second,
			HalfOpenQuota:    1,
		}),
		Exporter: exporter,
		CacheTTL: time.Hour,
	})

	return &testEnv{gateway: gw, adapter: adapter, ledger: led, exporter: exporter}
}

func textRequest(content string) domain.GenerationRequest {
	return domain.GenerationRequest{
		Tenant:     domain.Tenant{UserID: "user-1"},
		Model:      "gpt-4o-mini",
		Messages:   []domain.Message{{Role: "user", Content: content}},
		Capability: domain.CapabilityText,
	}
}

func TestGenerateMissThenHit(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		result: domain.GenerationResult{
			Content: "a goroutine is a lightweight thread",
			Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		},
	})
	ctx := context.Background()

	first, err := env.gateway.Generate(ctx, textRequest("What is a goroutine?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached {
		t.Error("first request must be a miss")
	}
	if first.CreditsUsed <= 0 {
		t.Errorf("expected a positive charge, got %f", first.CreditsUsed)
	}
	if first.NewBalance >= 100 {
		t.Errorf("balance should drop, got %f", first.NewBalance)
	}

	second, err := env.gateway.Generate(ctx, textRequest("what is a goroutine"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Fatal("normalized repeat must hit the cache")
	}
	if second.CreditsUsed != 0 {
		t.Errorf("cache hits are free, got charge %f", second.CreditsUsed)
	}
	if second.Content != first.Content {
		t.Errorf("cached content mismatch: %q vs %q", second.Content, first.Content)
	}
	if env.adapter.calls.Load() != 1 {
		t.Errorf("provider must be called once, got %d", env.adapter.calls.Load())
	}
}

func TestGenerateConcurrentChargesMatchProviderCalls(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		result: domain.GenerationResult{
			Content: "a channel is a typed conduit",
			Usage:   domain.Usage{PromptTokens: 8, CompletionTokens: 12, TotalTokens: 20},
		},
	})
	ctx := context.Background()

	const n = 16
	results := make([]*domain.GenerationResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.gateway.Generate(ctx, textRequest("What is a channel?"))
		}(i)
	}
	wg.Wait()

	var misses int
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: unexpected error: %v", i, errs[i])
		}
		if results[i].Cached {
			if results[i].CreditsUsed != 0 {
				t.Errorf("request %d: cache hit charged %f", i, results[i].CreditsUsed)
			}
		} else {
			misses++
			if results[i].CreditsUsed <= 0 {
				t.Errorf("request %d: miss not charged", i)
			}
		}
	}

	// Only calls that reached the provider are charged: one journal row per
	// provider call, none for the hits.
	calls := env.adapter.calls.Load()
	records := env.ledger.Records()
	if int64(misses) != calls {
		t.Errorf("%d uncached results but %d provider calls", misses, calls)
	}
	if int64(len(records)) != calls {
		t.Errorf("%d journal rows but %d provider calls", len(records), calls)
	}
	for _, rec := range records {
		if rec.Cached {
			t.Errorf("journal row marked cached: %+v", rec)
		}
	}

	wallet, err := env.ledger.GetWallet(ctx, domain.WalletPersonal, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var charged float64
	for _, rec := range records {
		charged += rec.Credits
	}
	if diff := (100 - wallet.Balance) - charged; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("balance moved by %f but journal totals %f", 100-wallet.Balance, charged)
	}
}

func TestGenerateAdmissionAbort(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "openai", result: domain.GenerationResult{Content: "ok"}})

	req := textRequest("hello")
	req.Tenant = domain.Tenant{UserID: "user-1", OrganizationID: "org-without-wallet"}

	_, err := env.gateway.Generate(context.Background(), req)
	if !domain.IsKind(err, domain.KindWalletNotFound) {
		t.Fatalf("expected WALLET_NOT_FOUND, got %v", err)
	}
	if env.adapter.calls.Load() != 0 {
		t.Error("admission failures must abort before the provider call")
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "openai", result: domain.GenerationResult{Content: "ok"}})
	env.ledger.PutWallet(ledger.Wallet{OwnerID: "user-1", Type: domain.WalletPersonal, Balance: 0})

	_, err := env.gateway.Generate(context.Background(), textRequest("an expensive question"))
	if !domain.IsKind(err, domain.KindInsufficientCredits) {
		t.Fatalf("expected INSUFFICIENT_CREDITS, got %v", err)
	}
	if env.adapter.calls.Load() != 0 {
		t.Error("no provider call on a failed credit check")
	}
}

func TestGenerateUnknownModel(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{id: "openai"})

	req := textRequest("hello")
	req.Model = "no-such-model"

	_, err := env.gateway.Generate(context.Background(), req)
	if !domain.IsKind(err, domain.KindModelUnavailable) {
		t.Fatalf("expected MODEL_UNAVAILABLE, got %v", err)
	}
}

func TestGenerateBreakerTrips(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id:  "openai",
		err: domain.NewError(domain.KindProviderError, "upstream down"),
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		// Distinct prompts keep the failing calls off the cache path.
		req := textRequest("question number " + string(rune('a'+i)))
		if _, err := env.gateway.Generate(ctx, req); !domain.IsKind(err, domain.KindProviderError) {
			t.Fatalf("expected PROVIDER_ERROR, got %v", err)
		}
	}

	calls := env.adapter.calls.Load()
	_, err := env.gateway.Generate(ctx, textRequest("one more"))
	if !domain.IsKind(err, domain.KindCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN after the threshold, got %v", err)
	}
	if env.adapter.calls.Load() != calls {
		t.Error("open circuit must not touch the provider")
	}
}

func TestGenerateSmartRouting(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		result: domain.GenerationResult{
			Content: "hi!",
			Usage:   domain.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4},
		},
	})

	req := textRequest("hello there")
	req.Model = "gpt-4o"
	req.SmartRouting = true

	result, err := env.gateway.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Routing == nil || !result.Routing.WasRouted {
		t.Fatalf("expected a downgrade decision, got %+v", result.Routing)
	}
	if result.Model != "gpt-4o-mini" {
		t.Errorf("expected effective model gpt-4o-mini, got %s", result.Model)
	}
	if result.Routing.RequestedModel != "gpt-4o" {
		t.Errorf("requested model must be preserved, got %s", result.Routing.RequestedModel)
	}
}

func TestGenerateExportsUsage(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		result: domain.GenerationResult{
			Content: "answer",
			Usage:   domain.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
		},
	})

	if _, err := env.gateway.Generate(context.Background(), textRequest("export me please")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		events := env.exporter.Events()
		if len(events) == 1 {
			if events[0].Model != "gpt-4o-mini" || events[0].UserID != "user-1" {
				t.Errorf("unexpected event %+v", events[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one usage event, got %d", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGenerateStreamRelay(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		chunks: []domain.StreamChunk{
			{Delta: "hello "},
			{Delta: "streaming "},
			{Delta: "world", FinishReason: "stop"},
		},
		streamEnd: domain.StreamEnd{
			Usage: domain.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
		},
	})

	chunks, final, err := env.gateway.GenerateStream(context.Background(), textRequest("stream me a greeting"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for c := range chunks {
		got = append(got, c.Delta)
	}
	if len(got) != 3 || got[0] != "hello " || got[2] != "world" {
		t.Fatalf("chunks out of order or missing: %v", got)
	}

	end := <-final
	if end.Err != nil {
		t.Fatalf("unexpected stream error: %v", end.Err)
	}
	if end.Result == nil {
		t.Fatal("expected accounting in the terminal value")
	}
	if end.Result.Content != "hello streaming world" {
		t.Errorf("accumulated content mismatch: %q", end.Result.Content)
	}
	if end.Result.CreditsUsed <= 0 {
		t.Errorf("expected a positive charge, got %f", end.Result.CreditsUsed)
	}
	if end.Result.Usage.TotalTokens != 10 {
		t.Errorf("expected provider-reported usage, got %+v", end.Result.Usage)
	}

	// The accumulated text is now cached for buffered requests too.
	result, err := env.gateway.Generate(context.Background(), textRequest("stream me a greeting"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cached || result.Content != "hello streaming world" {
		t.Errorf("expected cached stream text, got %+v", result)
	}
}

func TestGenerateStreamCachedReplay(t *testing.T) {
	adapter := &fakeAdapter{
		id: "openai",
		result: domain.GenerationResult{
			Content: "the cached answer",
			Usage:   domain.Usage{PromptTokens: 3, CompletionTokens: 3, TotalTokens: 6},
		},
	}
	env := newTestEnv(t, adapter)
	ctx := context.Background()

	if _, err := env.gateway.Generate(ctx, textRequest("cache this answer")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks, final, err := env.gateway.GenerateStream(ctx, textRequest("cache this answer"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for c := range chunks {
		got = append(got, c.Delta)
	}
	if len(got) != 1 || got[0] != "the cached answer" {
		t.Fatalf("expected one replayed chunk, got %v", got)
	}

	end := <-final
	if end.Result == nil || !end.Result.Cached {
		t.Fatalf("expected cached terminal value, got %+v", end.Result)
	}
	if end.Result.CreditsUsed != 0 {
		t.Errorf("cache replays are free, got %f", end.Result.CreditsUsed)
	}
	if adapter.calls.Load() != 1 {
		t.Errorf("replay must not call the provider, got %d calls", adapter.calls.Load())
	}
}

func TestGenerateStreamCancellation(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		chunks: []domain.StreamChunk{
			{Delta: "partial "},
			{Delta: "answer"},
		},
		blockMid: true,
		streamEnd: domain.StreamEnd{
			// Usage the provider managed to report before the cut.
			Usage: domain.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, final, err := env.gateway.GenerateStream(ctx, textRequest("tell me a long story"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for c := range chunks {
		got = append(got, c.Delta)
		if len(got) == 2 {
			cancel()
		}
	}

	end := <-final
	if end.Err == nil {
		t.Fatal("a cancelled stream must surface an error")
	}
	if !domain.IsKind(end.Err, domain.KindTimeout) {
		t.Errorf("expected TIMEOUT kind for cancellation, got %v", end.Err)
	}
	if end.Result == nil {
		t.Fatal("reported usage must still be charged")
	}

	// The charge covers exactly the provider-reported usage, nothing more.
	records := env.ledger.Records()
	if len(records) != 1 {
		t.Fatalf("expected one journal row, got %d", len(records))
	}
	if records[0].InputTokens != 4 || records[0].OutputTokens != 2 {
		t.Errorf("charged usage mismatch: %+v", records[0])
	}

	// A cancelled stream must not poison the cache.
	fresh, err := env.gateway.Generate(context.Background(), textRequest("tell me a long story"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.Cached {
		t.Error("partial output must not be served from cache")
	}
}

func TestSpeechAndTranscription(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		id: "openai",
		result: domain.GenerationResult{
			AudioBase64: "UklGRg==",
			Text:        "spoken words",
			Usage:       domain.Usage{Characters: 2000, AudioSeconds: 90},
		},
	})
	ctx := context.Background()

	speech, err := env.gateway.SynthesizeSpeech(ctx, domain.GenerationRequest{
		Tenant: domain.Tenant{UserID: "user-1"},
		Model:  "tts-1",
		Text:   "read this aloud",
	})
	if err != nil {
		t.Fatalf("speech: %v", err)
	}
	if speech.AudioBase64 == "" || speech.CreditsUsed <= 0 {
		t.Errorf("unexpected speech result %+v", speech)
	}

	stt, err := env.gateway.Transcribe(ctx, domain.GenerationRequest{
		Tenant:      domain.Tenant{UserID: "user-1"},
		Model:       "whisper-1",
		AudioBase64: "UklGRg==",
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if stt.Text != "spoken words" || stt.CreditsUsed <= 0 {
		t.Errorf("unexpected transcription result %+v", stt)
	}
}
