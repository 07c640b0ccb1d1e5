// Package admission gates every paid call behind the tenant's credit
// budget. Accounting is two-phase: a conservative pre-flight estimate
// decides whether the call is attempted at all, and a post-flight charge
// from provider-reported usage is what gets durably recorded. Exactly one
// wallet type is charged per request; there is no fallback between the
// organization and personal wallets.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abclegacyllc/modelgate/internal/catalog"
	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/abclegacyllc/modelgate/internal/ledger"
)

// Fixed minimum unit for speech recognition: the true audio length is not
// known before the call, so the estimate assumes at least one minute.
const minAudioSeconds = 60

// charsPerToken is the rough chars→tokens conversion used by estimates.
const charsPerToken = 4

// UsageHint carries the approximate sizes a pre-flight estimate is computed
// from.
type UsageHint struct {
	PromptChars  int
	MaxTokens    int
	Images       int
	Characters   int
	AudioSeconds float64
}

// AlertLevel grades budget alerts.
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

// Alert reports a wallet approaching or exceeding its plan allowance.
type Alert struct {
	WalletType  domain.WalletType
	WalletOwner string
	Level       AlertLevel
	PlanLimit   float64
	MonthlyUsed float64
	Timestamp   time.Time
}

// AlertHandler receives budget alerts.
type AlertHandler func(alert Alert)

// Thresholds are the plan-usage ratios at which alerts fire.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.8, Critical: 0.95}
}

// Controller is the Admission Controller.
type Controller struct {
	catalog    *catalog.Catalog
	ledger     ledger.Ledger
	thresholds Thresholds
	dedup      *alertDeduplicator
	handlers   []AlertHandler
}

// New creates a controller over the given catalog and ledger.
func New(c *catalog.Catalog, l ledger.Ledger, thresholds Thresholds) *Controller {
	return &Controller{
		catalog:    c,
		ledger:     l,
		thresholds: thresholds,
		dedup:      newAlertDeduplicator(),
	}
}

// OnAlert registers a budget alert handler. Must be called before serving.
func (c *Controller) OnAlert(h AlertHandler) {
	c.handlers = append(c.handlers, h)
}

// EstimateCost computes the conservative pre-flight cost for one call.
// For chat the output is assumed to be as large as the input unless the
// request caps it lower.
func (c *Controller) EstimateCost(capability domain.Capability, model string, hint UsageHint) float64 {
	m, ok := c.catalog.Get(model)
	if !ok {
		return 0
	}

	switch capability {
	case domain.CapabilityText:
		promptTokens := hint.PromptChars / charsPerToken
		outputTokens := promptTokens
		if hint.MaxTokens > 0 && hint.MaxTokens < outputTokens {
			outputTokens = hint.MaxTokens
		}
		return catalog.EstimateTextCost(m, promptTokens, outputTokens)
	case domain.CapabilityImage:
		images := hint.Images
		if images < 1 {
			images = 1
		}
		return float64(images) * m.Pricing.PerImage
	case domain.CapabilitySpeech:
		return float64(hint.Characters) / 1000 * m.Pricing.Per1KChars
	case domain.CapabilityTranscription:
		seconds := hint.AudioSeconds
		if seconds < minAudioSeconds {
			seconds = minAudioSeconds
		}
		return seconds / 60 * m.Pricing.PerAudioMinute
	}
	return 0
}

// CheckCredits validates the estimate against the tenant's wallet. A
// request carrying an organization id is checked only against that
// organization's wallet; absence of the wallet record is a hard failure,
// never a fallback to personal credit.
func (c *Controller) CheckCredits(ctx context.Context, tenant domain.Tenant, estimated float64) (*domain.CreditCheck, error) {
	wt := tenant.WalletType()
	owner := tenant.WalletOwner()

	w, err := c.ledger.GetWallet(ctx, wt, owner)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return nil, domain.NewError(domain.KindWalletNotFound,
				fmt.Sprintf("no %s wallet for %s", wt, owner))
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	check := &domain.CreditCheck{
		HasCredits:      w.Balance >= estimated,
		WithinPlanLimit: w.PlanLimit <= 0 || w.MonthlyUsed+estimated <= w.PlanLimit,
		Balance:         w.Balance,
		PlanLimit:       w.PlanLimit,
		MonthlyUsed:     w.MonthlyUsed,
		EstimatedCost:   estimated,
	}

	if !check.WithinPlanLimit {
		return check, domain.NewError(domain.KindPlanLimitExceeded,
			"monthly plan allowance exhausted").WithDetails(map[string]any{
			"planLimit":   w.PlanLimit,
			"monthlyUsed": w.MonthlyUsed,
		})
	}
	if !check.HasCredits {
		return check, domain.NewError(domain.KindInsufficientCredits,
			"wallet balance too low").WithDetails(map[string]any{
			"balance":   w.Balance,
			"estimated": estimated,
		})
	}

	return check, nil
}

// ChargeFinal deducts the actual cost computed from provider-reported usage
// and records it in the usage journal. It runs exactly once per successful
// provider call; it deliberately does not re-validate against the estimate,
// so a charge after success always succeeds even when actual usage exceeds
// the pre-check.
func (c *Controller) ChargeFinal(ctx context.Context, tenant domain.Tenant, rec ChargeRecord) (*domain.CreditCharge, error) {
	wt := tenant.WalletType()
	owner := tenant.WalletOwner()

	cost := c.actualCost(rec)

	balance, err := c.ledger.Deduct(ctx, wt, owner, cost)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return nil, domain.NewError(domain.KindWalletNotFound,
				fmt.Sprintf("no %s wallet for %s", wt, owner))
		}
		return nil, fmt.Errorf("deduct credits: %w", err)
	}

	if err := c.ledger.RecordUsage(ctx, ledger.UsageRecord{
		RequestID:    rec.RequestID,
		UserID:       tenant.UserID,
		WalletType:   wt,
		WalletOwner:  owner,
		Model:        rec.Model,
		Provider:     rec.Provider,
		Capability:   rec.Capability,
		InputTokens:  rec.Usage.PromptTokens,
		OutputTokens: rec.Usage.CompletionTokens,
		Credits:      cost,
		Cached:       false,
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		// The deduct already happened; a lost journal row is logged, not
		// surfaced — the wallet balance is the billing truth.
		slog.Error("usage journal write failed", "error", err, "request_id", rec.RequestID)
	}

	c.checkPlanAlerts(ctx, wt, owner)

	return &domain.CreditCharge{
		CreditsUsed: cost,
		NewBalance:  balance,
		WalletType:  wt,
	}, nil
}

// ChargeRecord carries what ChargeFinal needs about the completed call.
type ChargeRecord struct {
	RequestID  string
	Model      string
	Provider   string
	Capability domain.Capability
	Usage      domain.Usage
}

func (c *Controller) actualCost(rec ChargeRecord) float64 {
	m, ok := c.catalog.Get(rec.Model)
	if !ok {
		return 0
	}

	switch rec.Capability {
	case domain.CapabilityText:
		return catalog.EstimateTextCost(m, rec.Usage.PromptTokens, rec.Usage.CompletionTokens)
	case domain.CapabilityImage:
		images := rec.Usage.Images
		if images < 1 {
			images = 1
		}
		return float64(images) * m.Pricing.PerImage
	case domain.CapabilitySpeech:
		return float64(rec.Usage.Characters) / 1000 * m.Pricing.Per1KChars
	case domain.CapabilityTranscription:
		seconds := rec.Usage.AudioSeconds
		if seconds < minAudioSeconds {
			seconds = minAudioSeconds
		}
		return seconds / 60 * m.Pricing.PerAudioMinute
	}
	return 0
}

func (c *Controller) checkPlanAlerts(ctx context.Context, wt domain.WalletType, owner string) {
	if len(c.handlers) == 0 {
		return
	}

	w, err := c.ledger.GetWallet(ctx, wt, owner)
	if err != nil || w.PlanLimit <= 0 {
		return
	}

	ratio := w.MonthlyUsed / w.PlanLimit

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= c.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= c.thresholds.Warning:
		level = AlertLevelWarning
	default:
		c.dedup.clear(wt, owner)
		return
	}

	if !c.dedup.shouldAlert(wt, owner, level) {
		return
	}

	alert := Alert{
		WalletType:  wt,
		WalletOwner: owner,
		Level:       level,
		PlanLimit:   w.PlanLimit,
		MonthlyUsed: w.MonthlyUsed,
		Timestamp:   time.Now(),
	}
	for _, h := range c.handlers {
		h(alert)
	}
}

// LogAlertHandler writes budget alerts to the structured log.
func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"wallet_type", alert.WalletType,
		"wallet_owner", alert.WalletOwner,
		"level", alert.Level,
		"plan_limit", alert.PlanLimit,
		"monthly_used", alert.MonthlyUsed,
	)
}
