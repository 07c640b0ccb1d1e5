// Package smartroute downgrades simple queries to cheaper models. The
// router is a pure function over the request and the static catalog:
// identical inputs always produce the identical decision. Routing runs
// before cache-key computation since cache keys are model-scoped.
package smartroute

import (
	"fmt"
	"strings"

	"github.com/abclegacyllc/modelgate/internal/catalog"
	"github.com/abclegacyllc/modelgate/internal/domain"
)

// Router classifies conversation complexity and picks the cheapest capable
// model within the requested model's family.
type Router struct {
	catalog *catalog.Catalog
}

// New creates a router over the given catalog.
func New(c *catalog.Catalog) *Router {
	return &Router{catalog: c}
}

const (
	simpleMaxChars  = 120
	complexMinChars = 500
	multiTurnCount  = 4
)

var codeMarkers = []string{"```", "{", "}", ";", "</", "/>", "def ", "func ", "class ", "import ", "SELECT ", "#include"}

var technicalTerms = []string{
	"algorithm", "compile", "database", "regex", "kubernetes", "refactor",
	"stack trace", "exception", "concurrency", "encryption", "api", "sql",
	"deploy", "docker", "latency", "benchmark",
}

// Route resolves the routing decision for one request. When routing is
// disabled, the capability is not text, or the requested model is already
// the cheapest capable model in its family, the original model is kept and
// WasRouted is false.
func (r *Router) Route(requestedModel string, messages []domain.Message, enabled bool) domain.RoutingDecision {
	decision := domain.RoutingDecision{
		Model:          requestedModel,
		RequestedModel: requestedModel,
		Complexity:     Classify(messages),
	}

	if !enabled {
		decision.Reason = "smart routing disabled"
		return decision
	}

	model, ok := r.catalog.Get(requestedModel)
	if !ok {
		decision.Reason = "model not in catalog"
		return decision
	}

	if decision.Complexity == domain.ComplexityComplex {
		decision.Reason = "complex query kept on requested model"
		return decision
	}

	if model.Tier != catalog.TierPremium {
		decision.Reason = "requested model is not a top-tier model"
		return decision
	}

	cheapest := r.catalog.CheapestInFamily(model, domain.CapabilityText)
	if cheapest.ID == model.ID {
		decision.Reason = "requested model is already the cheapest in its family"
		return decision
	}

	decision.Model = cheapest.ID
	decision.WasRouted = true
	decision.EstimatedSavings = savingsPct(model.Pricing, cheapest.Pricing)
	decision.Reason = fmt.Sprintf("%s query downgraded from %s to %s", decision.Complexity, model.ID, cheapest.ID)
	return decision
}

// Classify buckets a conversation into simple, moderate, or complex using
// only the outbound messages. Deterministic by construction.
func Classify(messages []domain.Message) domain.Complexity {
	userTurns := 0
	totalLen := 0
	lastUser := ""
	for _, m := range messages {
		if m.Role == "user" {
			userTurns++
			lastUser = m.Content
		}
		totalLen += len(m.Content)
	}

	if containsCode(lastUser) || totalLen > complexMinChars || len(messages) >= multiTurnCount {
		return domain.ComplexityComplex
	}

	if userTurns <= 1 && len(lastUser) <= simpleMaxChars && !isTechnical(lastUser) {
		return domain.ComplexitySimple
	}

	if isTechnical(lastUser) && len(lastUser) > simpleMaxChars {
		return domain.ComplexityComplex
	}

	return domain.ComplexityModerate
}

func containsCode(s string) bool {
	for _, marker := range codeMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func isTechnical(s string) bool {
	lower := strings.ToLower(s)
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func savingsPct(from, to catalog.Pricing) float64 {
	fromAvg := (from.InputPer1K + from.OutputPer1K) / 2
	toAvg := (to.InputPer1K + to.OutputPer1K) / 2
	if fromAvg <= 0 {
		return 0
	}
	return (fromAvg - toAvg) / fromAvg * 100
}
