package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/abclegacyllc/modelgate/internal/admission"
	"github.com/abclegacyllc/modelgate/internal/api"
	"github.com/abclegacyllc/modelgate/internal/billing/export"
	"github.com/abclegacyllc/modelgate/internal/catalog"
	"github.com/abclegacyllc/modelgate/internal/circuitbreaker"
	"github.com/abclegacyllc/modelgate/internal/config"
	"github.com/abclegacyllc/modelgate/internal/gateway"
	"github.com/abclegacyllc/modelgate/internal/ledger"
	"github.com/abclegacyllc/modelgate/internal/metrics"
	"github.com/abclegacyllc/modelgate/internal/notify"
	"github.com/abclegacyllc/modelgate/internal/provider"
	"github.com/abclegacyllc/modelgate/internal/provider/anthropic"
	"github.com/abclegacyllc/modelgate/internal/provider/bedrock"
	"github.com/abclegacyllc/modelgate/internal/provider/openai"
	"github.com/abclegacyllc/modelgate/internal/ratelimit"
	"github.com/abclegacyllc/modelgate/internal/secrets"
	"github.com/abclegacyllc/modelgate/internal/semcache"
	"github.com/abclegacyllc/modelgate/internal/smartroute"
	"github.com/abclegacyllc/modelgate/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting modelgate", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "modelgate", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("connected to redis")
	}

	var checkers []api.HealthChecker

	var rateLimiter ratelimit.RateLimiter
	var cacheStore semcache.Store
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedisRateLimiterWithClient(redisClient)
		cacheStore = semcache.NewRedisStoreWithClient(redisClient)
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		cacheStore = semcache.NewMemoryStore()
		slog.Info("using in-memory cache store and rate limiter")
	}

	var ldgr ledger.Ledger
	if cfg.DatabaseURL != "" {
		pg, err := ledger.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		ldgr = pg
		checkers = append(checkers, api.NewPostgresHealthChecker(pg.DB()))
		slog.Info("using postgres ledger")
	} else {
		ldgr = ledger.NewMemory()
		slog.Warn("no DATABASE_URL configured, using in-memory ledger")
	}

	openAIKey := cfg.OpenAIAPIKey
	anthropicKey := cfg.AnthropicAPIKey
	if cfg.ProviderSecretName != "" && cfg.AWSRegion != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("init secrets manager: %w", err)
		}
		var keys secrets.ProviderKeys
		if err := sm.GetSecretJSON(ctx, cfg.ProviderSecretName, &keys); err != nil {
			return fmt.Errorf("load provider keys: %w", err)
		}
		if keys.OpenAIAPIKey != "" {
			openAIKey = keys.OpenAIAPIKey
		}
		if keys.AnthropicAPIKey != "" {
			anthropicKey = keys.AnthropicAPIKey
		}
		slog.Info("loaded provider keys from secrets manager", "secret", cfg.ProviderSecretName)
	}

	adapters := make(map[string]provider.Adapter)
	if openAIKey != "" {
		adapters["openai"] = openai.New(openAIKey, cfg.OpenAIBaseURL)
		slog.Info("registered provider", "provider", "openai")
	}
	if anthropicKey != "" {
		adapters["anthropic"] = anthropic.New(anthropicKey)
		slog.Info("registered provider", "provider", "anthropic")
	}
	if cfg.BedrockEnabled {
		ba, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("init bedrock: %w", err)
		}
		adapters["bedrock"] = ba
		slog.Info("registered provider", "provider", "bedrock", "region", cfg.AWSRegion)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no providers configured")
	}

	var notifier notify.Notifier
	var exporter export.Exporter
	if cfg.AWSRegion != "" && (cfg.AlertTopicArn != "" || cfg.UsageQueueURL != "") {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		if cfg.AlertTopicArn != "" {
			notifier = notify.NewSNSWithConfig(awsCfg, cfg.AlertTopicArn)
			slog.Info("notifications enabled", "topic", cfg.AlertTopicArn)
		}
		if cfg.UsageQueueURL != "" {
			exporter = export.NewSQSWithConfig(awsCfg, cfg.UsageQueueURL)
			slog.Info("usage export enabled", "queue", cfg.UsageQueueURL)
		}
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		MonitoringWindow: cfg.BreakerWindow,
		ResetTimeout:     cfg.BreakerResetTimeout,
		HalfOpenQuota:    cfg.BreakerHalfOpenQuota,
	})
	breakers.OnTransition(func(name string, from, to circuitbreaker.State) {
		slog.Warn("circuit breaker transition", "provider", name, "from", from.String(), "to", to.String())
		metrics.SetCircuitBreakerState(name, int(to))
		if notifier == nil {
			return
		}
		switch to {
		case circuitbreaker.StateOpen:
			notify.SendAsync(notifier, notify.Event{
				Type:     notify.EventProviderDown,
				Provider: name,
				Message:  fmt.Sprintf("circuit opened for provider %s", name),
			})
		case circuitbreaker.StateClosed:
			notify.SendAsync(notifier, notify.Event{
				Type:     notify.EventProviderUp,
				Provider: name,
				Message:  fmt.Sprintf("circuit closed for provider %s", name),
			})
		}
	})

	cat := catalog.NewDefault()

	adm := admission.New(cat, ldgr, admission.DefaultThresholds())
	adm.OnAlert(admission.LogAlertHandler)
	if notifier != nil {
		adm.OnAlert(func(alert admission.Alert) {
			notify.SendAsync(notifier, notify.Event{
				Type:        budgetEventType(alert.Level),
				WalletOwner: alert.WalletOwner,
				Message:     fmt.Sprintf("wallet %s at %.0f%% of plan", alert.WalletOwner, alert.MonthlyUsed/alert.PlanLimit*100),
				Data: map[string]any{
					"wallet_type":  alert.WalletType,
					"plan_limit":   alert.PlanLimit,
					"monthly_used": alert.MonthlyUsed,
				},
			})
		})
	}

	var cache *semcache.Cache
	if cfg.CacheEnabled {
		cache = semcache.New(cacheStore, cfg.CacheTTL)
	} else {
		slog.Info("semantic cache disabled")
	}

	gw := gateway.New(gateway.Config{
		Catalog:   cat,
		Router:    smartroute.New(cat),
		Cache:     cache,
		Admission: adm,
		Adapters:  adapters,
		Breakers:  breakers,
		Exporter:  exporter,
		CacheTTL:  cfg.CacheTTL,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:      gw,
		Catalog:      cat,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitRPM,
		Health:       api.HealthCheckConfig{Checkers: checkers, Timeout: 5 * time.Second},
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streams stay open well past a normal response
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func budgetEventType(level admission.AlertLevel) notify.EventType {
	switch level {
	case admission.AlertLevelExceeded:
		return notify.EventBudgetExceeded
	case admission.AlertLevelCritical:
		return notify.EventBudgetCritical
	default:
		return notify.EventBudgetWarning
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
