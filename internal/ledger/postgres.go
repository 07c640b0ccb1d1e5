package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/abclegacyllc/modelgate/internal/domain"
	"github.com/lib/pq"
)

// Postgres is the production Ledger. Monthly usage resets by keying the
// usage column on the current billing month.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{db: db}, nil
}

// DB exposes the underlying pool for health probes.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) GetWallet(ctx context.Context, wt domain.WalletType, ownerID string) (*Wallet, error) {
	query := `
		SELECT owner_id, wallet_type, balance, plan_limit, monthly_used, updated_at
		FROM wallets
		WHERE wallet_type = $1 AND owner_id = $2
	`

	var w Wallet
	err := p.db.QueryRowContext(ctx, query, string(wt), ownerID).Scan(
		&w.OwnerID,
		&w.Type,
		&w.Balance,
		&w.PlanLimit,
		&w.MonthlyUsed,
		&w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}

	return &w, nil
}

func (p *Postgres) Deduct(ctx context.Context, wt domain.WalletType, ownerID string, amount float64) (float64, error) {
	query := `
		UPDATE wallets
		SET balance = balance - $3,
		    monthly_used = monthly_used + $3,
		    updated_at = now()
		WHERE wallet_type = $1 AND owner_id = $2
		RETURNING balance
	`

	var balance float64
	err := p.db.QueryRowContext(ctx, query, string(wt), ownerID, amount).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrWalletNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("deduct from wallet: %w", err)
	}

	return balance, nil
}

func (p *Postgres) RecordUsage(ctx context.Context, rec UsageRecord) error {
	query := `
		INSERT INTO usage_records
			(request_id, user_id, wallet_type, wallet_owner, model, provider,
			 capability, input_tokens, output_tokens, credits, cached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := p.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.UserID,
		string(rec.WalletType),
		rec.WalletOwner,
		rec.Model,
		rec.Provider,
		string(rec.Capability),
		rec.InputTokens,
		rec.OutputTokens,
		rec.Credits,
		rec.Cached,
		rec.Timestamp,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			// The charge step runs exactly once per request; a duplicate
			// request id means a replayed journal write, not a new charge.
			return nil
		}
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
