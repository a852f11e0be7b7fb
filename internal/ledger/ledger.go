package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nvallet/voxgate/internal/account"
)

// Admission rejection reasons. The gateway maps all of them to the same
// client-visible close code; the distinction matters only for logs.
var (
	ErrNotActive           = errors.New("account is not active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrQuotaExhausted      = errors.New("quota exhausted")
)

// estTokensPerSecond approximates how many provider tokens one second of
// streamed audio consumes. Used for the usage-log estimate only; billing is
// duration-based.
const estTokensPerSecond = 10

// Cost computes the price of durationSeconds of audio at the given per-minute
// rate, rounded to 4 decimal places to keep ledger rows stable.
func Cost(durationSeconds, ratePerMinute float64) float64 {
	cost := durationSeconds / 60 * ratePerMinute
	return math.Round(cost*10000) / 10000
}

// EstimateTokens returns the token estimate recorded in usage logs.
func EstimateTokens(durationSeconds float64) int64 {
	return int64(math.Round(durationSeconds * estTokensPerSecond))
}

// Ledger reads and mutates account balances and quota counters. All mutations
// for one account happen inside a single database transaction; the UPDATE row
// lock serializes concurrent settlements for the same account.
type Ledger struct {
	pool          *pgxpool.Pool
	ratePerMinute float64
}

// New creates a Ledger billing at ratePerMinute.
func New(pool *pgxpool.Pool, ratePerMinute float64) *Ledger {
	return &Ledger{pool: pool, ratePerMinute: ratePerMinute}
}

// RatePerMinute returns the configured billing rate.
func (l *Ledger) RatePerMinute() float64 {
	return l.ratePerMinute
}

// CheckAdmission decides whether an account may open a new connection.
// Denied when the account is not active, has no balance, or has exhausted its
// quota.
func (l *Ledger) CheckAdmission(ctx context.Context, accountID string) error {
	var status string
	var balance, quotaLimit, usedQuota float64
	err := l.pool.QueryRow(ctx,
		`SELECT status, balance, quota_limit, used_quota FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&status, &balance, &quotaLimit, &usedQuota)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking admission for %s: %w", accountID, err)
	}

	if status != account.StatusActive {
		return ErrNotActive
	}
	if balance <= 0 {
		return ErrInsufficientBalance
	}
	if usedQuota >= quotaLimit {
		return ErrQuotaExhausted
	}
	return nil
}

// CheckAffordable verifies the account balance covers the projected cost of
// durationSeconds at the configured rate. The gateway calls it before each
// settlement point; balance may have moved since admission.
func (l *Ledger) CheckAffordable(ctx context.Context, accountID string, durationSeconds float64) error {
	var balance float64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking affordability for %s: %w", accountID, err)
	}

	if Cost(durationSeconds, l.ratePerMinute) > balance {
		return ErrInsufficientBalance
	}
	return nil
}

// Settle converts durationSeconds of accumulated audio into a balance
// deduction plus durable records. The balance decrement, quota increment,
// transaction row, and usage-log row are applied in one database transaction:
// a failure at any point leaves the account untouched, and the caller must
// keep the accumulated duration for retry.
func (l *Ledger) Settle(ctx context.Context, accountID string, durationSeconds float64) (*Settlement, error) {
	cost := Cost(durationSeconds, l.ratePerMinute)
	minutes := durationSeconds / 60
	tokens := EstimateTokens(durationSeconds)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance float64
	err = tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance - $2, used_quota = used_quota + $3, updated_at = now()
		 WHERE id = $1
		 RETURNING balance`,
		accountID, cost, minutes,
	).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("debiting account %s: %w", accountID, err)
	}

	txn := &Transaction{
		AccountID:   accountID,
		Kind:        KindConsume,
		Amount:      cost,
		Description: fmt.Sprintf("audio transcription: %.1fs", durationSeconds),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, kind, amount, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		txn.AccountID, txn.Kind, txn.Amount, txn.Description,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording transaction: %w", err)
	}

	ul := &UsageLog{
		AccountID:       accountID,
		DurationSeconds: durationSeconds,
		EstimatedTokens: tokens,
		Cost:            cost,
		Status:          UsageSuccess,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO usage_logs (account_id, duration_seconds, estimated_tokens, cost, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		ul.AccountID, ul.DurationSeconds, ul.EstimatedTokens, ul.Cost, ul.Status,
	).Scan(&ul.ID, &ul.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording usage log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing settlement: %w", err)
	}

	return &Settlement{Transaction: txn, UsageLog: ul, NewBalance: newBalance}, nil
}

// LogFailure appends a usage log marking a metering cycle that could not be
// settled before the connection went away. No balance change is involved.
func (l *Ledger) LogFailure(ctx context.Context, accountID string, durationSeconds float64) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO usage_logs (account_id, duration_seconds, estimated_tokens, cost, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		accountID, durationSeconds, EstimateTokens(durationSeconds),
		Cost(durationSeconds, l.ratePerMinute), UsageFailure,
	)
	if err != nil {
		return fmt.Errorf("recording failed usage: %w", err)
	}
	return nil
}

// Recharge credits the account balance and appends the matching transaction
// row in one unit of work. Called by the payment-notification collaborator.
func (l *Ledger) Recharge(ctx context.Context, accountID string, amount float64, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("recharge amount must be positive, got %v", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning recharge: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = now() WHERE id = $1`,
		accountID, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("crediting account %s: %w", accountID, err)
	}
	if ct.RowsAffected() == 0 {
		return nil, account.ErrNotFound
	}

	txn := &Transaction{
		AccountID:   accountID,
		Kind:        KindRecharge,
		Amount:      amount,
		Description: description,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, kind, amount, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		txn.AccountID, txn.Kind, txn.Amount, txn.Description,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording recharge transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing recharge: %w", err)
	}
	return txn, nil
}

// RecordFailedRecharge appends a transaction row documenting a payment that
// did not complete. The balance is untouched.
func (l *Ledger) RecordFailedRecharge(ctx context.Context, accountID string, amount float64, description string) (*Transaction, error) {
	txn := &Transaction{
		AccountID:   accountID,
		Kind:        KindRechargeFailed,
		Amount:      amount,
		Description: description,
	}
	err := l.pool.QueryRow(ctx,
		`INSERT INTO transactions (account_id, kind, amount, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		txn.AccountID, txn.Kind, txn.Amount, txn.Description,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("recording failed recharge: %w", err)
	}
	return txn, nil
}
