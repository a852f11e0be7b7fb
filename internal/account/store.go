package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no account exists for the given id.
var ErrNotFound = errors.New("account not found")

// Store provides database operations for accounts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new account store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const accountColumns = `id, email, password_hash, balance, quota_limit, used_quota, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	a := &Account{}
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&a.Balance,
		&a.QuotaLimit,
		&a.UsedQuota,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account row: %w", err)
	}
	return a, nil
}

// GetByID retrieves an account by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetByEmail retrieves an account by email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// Create inserts a new account. Used by the seed command only.
func (s *Store) Create(ctx context.Context, in CreateAccountInput) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (email, password_hash, balance, quota_limit, used_quota, status)
		 VALUES ($1, $2, $3, $4, 0, $5)
		 RETURNING `+accountColumns,
		in.Email, in.PasswordHash, in.Balance, in.QuotaLimit, StatusActive,
	)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return a, nil
}
