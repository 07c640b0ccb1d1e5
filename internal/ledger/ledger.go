// Package ledger is the source of billing truth: per-wallet balances, plan
// limits, and the durable usage journal. Unlike the cache, ledger failures
// are fatal to the paid path.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

var ErrWalletNotFound = errors.New("wallet not found")

// Wallet is a tenant-scoped credit balance with a monthly plan allowance.
type Wallet struct {
	OwnerID     string
	Type        domain.WalletType
	Balance     float64
	PlanLimit   float64
	MonthlyUsed float64
	UpdatedAt   time.Time
}

// UsageRecord is one finalized charge in the journal.
type UsageRecord struct {
	RequestID    string
	UserID       string
	WalletType   domain.WalletType
	WalletOwner  string
	Model        string
	Provider     string
	Capability   domain.Capability
	InputTokens  int
	OutputTokens int
	Credits      float64
	Cached       bool
	Timestamp    time.Time
}

// Ledger exposes the wallet operations the Admission Controller consumes.
type Ledger interface {
	// GetWallet returns the wallet for the given type and owner, or
	// ErrWalletNotFound.
	GetWallet(ctx context.Context, wt domain.WalletType, ownerID string) (*Wallet, error)

	// Deduct atomically subtracts amount from the wallet balance, adds it to
	// the monthly usage, and returns the new balance. The balance may go
	// negative: a charge after a successful provider call always succeeds.
	Deduct(ctx context.Context, wt domain.WalletType, ownerID string, amount float64) (float64, error)

	// RecordUsage appends a finalized charge to the usage journal.
	RecordUsage(ctx context.Context, rec UsageRecord) error
}
