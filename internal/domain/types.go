package domain

import "time"

// Capability tags the kind of work a request asks a model to do.
type Capability string

const (
	CapabilityText          Capability = "text-generation"
	CapabilityImage         Capability = "image-generation"
	CapabilitySpeech        Capability = "speech-synthesis"
	CapabilityTranscription Capability = "speech-recognition"
)

// WalletType identifies which credit wallet a request is billed against.
type WalletType string

const (
	WalletPersonal     WalletType = "personal"
	WalletOrganization WalletType = "organization"
)

// Tenant is the billing scope of a request: a user, optionally acting inside
// an organization. An organization request never touches the personal wallet
// and vice versa.
type Tenant struct {
	UserID         string
	OrganizationID string
}

// WalletType returns the wallet this tenant is billed against.
func (t Tenant) WalletType() WalletType {
	if t.OrganizationID != "" {
		return WalletOrganization
	}
	return WalletPersonal
}

// WalletOwner returns the owner id of the billed wallet.
func (t Tenant) WalletOwner() string {
	if t.OrganizationID != "" {
		return t.OrganizationID
	}
	return t.UserID
}

// MessagePart is one typed part of a multi-part message.
type MessagePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Message is one turn of a conversation. Immutable once constructed.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []MessagePart `json:"parts,omitempty"`
}

// GenerationRequest is the normalized inbound request for every capability.
// The only mutation after construction is the Smart Router substituting
// Model before dispatch; the originally requested model is preserved in the
// RoutingDecision.
type GenerationRequest struct {
	Tenant         Tenant
	ConversationID string
	Model          string
	Messages       []Message
	Prompt         string
	Text           string
	AudioBase64    string
	Voice          string
	Language       string
	ImageCount     int
	Temperature    *float64
	MaxTokens      *int
	Capability     Capability
	SmartRouting   bool
	Stream         bool
}

// LastUserMessage returns the content of the final user turn, or "".
func (r GenerationRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Complexity is the Smart Router's classification of a conversation.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// RoutingDecision records the Smart Router's choice. Computed once per
// request and read-only thereafter.
type RoutingDecision struct {
	Model            string     `json:"model"`
	RequestedModel   string     `json:"requestedModel"`
	Complexity       Complexity `json:"complexity"`
	WasRouted        bool       `json:"wasRouted"`
	Reason           string     `json:"reason"`
	EstimatedSavings float64    `json:"estimatedSavingsPct,omitempty"`
}

// Usage is provider-reported consumption for one call.
type Usage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	AudioSeconds     float64 `json:"audioSeconds,omitempty"`
	Images           int     `json:"images,omitempty"`
	Characters       int     `json:"characters,omitempty"`
}

// StreamChunk is one incremental delta of a streaming response. Chunks for
// one request are delivered strictly in emission order.
type StreamChunk struct {
	ID           string `json:"id"`
	Delta        string `json:"delta"`
	FinishReason string `json:"finishReason,omitempty"`
}

// StreamEnd terminates a chunk stream. Either Err is set or Usage carries
// the aggregate usage for the whole stream. Exactly one StreamEnd is sent
// per stream.
type StreamEnd struct {
	Usage Usage
	Err   error
}

// GenerationResult is the normalized outcome of one completed request.
type GenerationResult struct {
	ID          string           `json:"id"`
	Model       string           `json:"model"`
	Content     string           `json:"content,omitempty"`
	Images      []string         `json:"images,omitempty"`
	AudioBase64 string           `json:"audioBase64,omitempty"`
	Text        string           `json:"text,omitempty"`
	Usage       Usage            `json:"usage"`
	CreditsUsed float64          `json:"creditsUsed"`
	NewBalance  float64          `json:"newBalance"`
	Cached      bool             `json:"cached,omitempty"`
	Routing     *RoutingDecision `json:"routing,omitempty"`
	Provider    string           `json:"-"`
	CreatedAt   time.Time        `json:"-"`
}

// CreditCheck is the admission pre-check outcome.
type CreditCheck struct {
	HasCredits      bool
	WithinPlanLimit bool
	Balance         float64
	PlanLimit       float64
	MonthlyUsed     float64
	EstimatedCost   float64
}

// CreditCharge is the finalized post-call charge.
type CreditCharge struct {
	CreditsUsed float64    `json:"creditsUsed"`
	NewBalance  float64    `json:"newBalance"`
	WalletType  WalletType `json:"walletType"`
}
