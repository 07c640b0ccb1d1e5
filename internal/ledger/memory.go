package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
)

// Memory is an in-process Ledger for development and tests.
type Memory struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	records []UsageRecord
}

func NewMemory() *Memory {
	return &Memory{wallets: make(map[string]*Wallet)}
}

func walletKey(wt domain.WalletType, ownerID string) string {
	return string(wt) + ":" + ownerID
}

// PutWallet creates or replaces a wallet.
func (m *Memory) PutWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := w
	m.wallets[walletKey(w.Type, w.OwnerID)] = &cp
}

func (m *Memory) GetWallet(ctx context.Context, wt domain.WalletType, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[walletKey(wt, ownerID)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) Deduct(ctx context.Context, wt domain.WalletType, ownerID string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletKey(wt, ownerID)]
	if !ok {
		return 0, ErrWalletNotFound
	}

	w.Balance -= amount
	w.MonthlyUsed += amount
	w.UpdatedAt = time.Now()
	return w.Balance, nil
}

func (m *Memory) RecordUsage(ctx context.Context, rec UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the usage journal.
func (m *Memory) Records() []UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}
