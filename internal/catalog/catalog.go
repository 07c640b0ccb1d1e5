// Package catalog holds the static model catalog: which provider serves a
// model, what it can do, which pricing applies, and how models relate
// within a provider family. The Smart Router and the Admission Controller
// both read it; nothing writes it after construction.
package catalog

import (
	"github.com/abclegacyllc/modelgate/internal/domain"
)

// Tier orders models within a family by cost.
type Tier int

const (
	TierEconomy Tier = iota
	TierStandard
	TierPremium
)

func (t Tier) String() string {
	switch t {
	case TierEconomy:
		return "economy"
	case TierStandard:
		return "standard"
	case TierPremium:
		return "premium"
	default:
		return "unknown"
	}
}

// Pricing is the per-unit price list for one model. Token prices are per
// 1000 tokens, character prices per 1000 characters, audio per minute.
type Pricing struct {
	InputPer1K     float64
	OutputPer1K    float64
	PerImage       float64
	Per1KChars     float64
	PerAudioMinute float64
}

// Model is one catalog entry.
type Model struct {
	ID           string
	Provider     string
	Family       string
	Tier         Tier
	Capabilities []domain.Capability
	Pricing      Pricing
}

// Supports reports whether the model serves the given capability.
func (m Model) Supports(c domain.Capability) bool {
	for _, cap := range m.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

var text = []domain.Capability{domain.CapabilityText}

var defaultModels = []Model{
	{ID: "gpt-4o", Provider: "openai", Family: "gpt", Tier: TierPremium, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.005, OutputPer1K: 0.015}},
	{ID: "gpt-4o-mini", Provider: "openai", Family: "gpt", Tier: TierEconomy, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.00015, OutputPer1K: 0.0006}},
	{ID: "gpt-4-turbo", Provider: "openai", Family: "gpt", Tier: TierStandard, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.01, OutputPer1K: 0.03}},
	{ID: "dall-e-3", Provider: "openai", Family: "dall-e", Tier: TierPremium,
		Capabilities: []domain.Capability{domain.CapabilityImage},
		Pricing:      Pricing{PerImage: 0.04}},
	{ID: "tts-1", Provider: "openai", Family: "tts", Tier: TierEconomy,
		Capabilities: []domain.Capability{domain.CapabilitySpeech},
		Pricing:      Pricing{Per1KChars: 0.015}},
	{ID: "whisper-1", Provider: "openai", Family: "whisper", Tier: TierEconomy,
		Capabilities: []domain.Capability{domain.CapabilityTranscription},
		Pricing:      Pricing{PerAudioMinute: 0.006}},
	{ID: "claude-3-5-sonnet-20241022", Provider: "anthropic", Family: "claude", Tier: TierPremium, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}},
	{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", Family: "claude", Tier: TierEconomy, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.001, OutputPer1K: 0.005}},
	{ID: "claude-3-opus-20240229", Provider: "anthropic", Family: "claude", Tier: TierPremium, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.015, OutputPer1K: 0.075}},
	{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Provider: "bedrock", Family: "bedrock-claude", Tier: TierStandard, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.003, OutputPer1K: 0.015}},
	{ID: "anthropic.claude-3-haiku-20240307-v1:0", Provider: "bedrock", Family: "bedrock-claude", Tier: TierEconomy, Capabilities: text,
		Pricing: Pricing{InputPer1K: 0.00025, OutputPer1K: 0.00125}},
}

// Catalog is the read-only model registry.
type Catalog struct {
	models map[string]Model
}

// NewDefault returns the catalog with the built-in model list.
func NewDefault() *Catalog {
	return New(defaultModels)
}

// New builds a catalog from an explicit model list.
func New(models []Model) *Catalog {
	m := make(map[string]Model, len(models))
	for _, model := range models {
		m[model.ID] = model
	}
	return &Catalog{models: m}
}

// Get looks up one model by id.
func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// List returns all models in the catalog.
func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out
}

// CheapestInFamily returns the lowest-tier model in the same family as the
// given model that still serves the capability. Ties on tier resolve by
// input price. Returns the input model when nothing cheaper exists.
func (c *Catalog) CheapestInFamily(model Model, cap domain.Capability) Model {
	best := model
	for _, m := range c.models {
		if m.Family != model.Family || !m.Supports(cap) {
			continue
		}
		if m.Tier < best.Tier || (m.Tier == best.Tier && m.Pricing.InputPer1K < best.Pricing.InputPer1K) {
			best = m
		}
	}
	return best
}

// EstimateTextCost prices a chat call from token counts.
func EstimateTextCost(m Model, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.Pricing.InputPer1K +
		float64(completionTokens)/1000*m.Pricing.OutputPer1K
}
