package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"capability", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"capability", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_credits_total",
			Help: "Total credits charged",
		},
		[]string{"wallet_type", "model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_cache_hits_total",
			Help: "Total number of semantic cache hits",
		},
		[]string{"model"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_cache_misses_total",
			Help: "Total number of semantic cache misses",
		},
		[]string{"model"},
	)

	RoutingDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_routing_downgrades_total",
			Help: "Requests downgraded to a cheaper model",
		},
		[]string{"from_model", "to_model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelgate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_provider_errors_total",
			Help: "Total number of provider errors by kind",
		},
		[]string{"provider", "kind"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelgate_rate_limit_hits_total",
			Help: "Requests rejected by the per-user rate limit",
		},
		[]string{"user_id"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelgate_active_streams",
			Help: "Number of active streaming responses",
		},
	)
)

func RecordRequest(capability, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(capability, provider, model, status).Inc()
	RequestDuration.WithLabelValues(capability, provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCredits(walletType, model string, credits float64) {
	CreditsTotal.WithLabelValues(walletType, model).Add(credits)
}

func RecordCacheHit(model string)  { CacheHits.WithLabelValues(model).Inc() }
func RecordCacheMiss(model string) { CacheMisses.WithLabelValues(model).Inc() }

func RecordDowngrade(fromModel, toModel string) {
	RoutingDowngrades.WithLabelValues(fromModel, toModel).Inc()
}

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func RecordRateLimitHit(userID string) {
	RateLimitHits.WithLabelValues(userID).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}
