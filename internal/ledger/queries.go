package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// GetUsageSummary returns aggregate usage metrics for one account.
func (l *Ledger) GetUsageSummary(ctx context.Context, accountID string) (*UsageSummary, error) {
	var summary UsageSummary
	err := l.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(duration_seconds), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN cost ELSE 0 END), 0),
			COALESCE(SUM(estimated_tokens), 0),
			COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0)
		 FROM usage_logs WHERE account_id = $1`,
		accountID,
	).Scan(
		&summary.TotalCycles,
		&summary.TotalSeconds,
		&summary.TotalCost,
		&summary.TotalTokens,
		&summary.FailedCycles,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	return &summary, nil
}

// ListUsageLogs returns a page of usage logs for an account ordered by
// created_at DESC, id DESC, with cursor-based pagination. The returned cursor
// is empty when there are no more results.
func (l *Ledger) ListUsageLogs(ctx context.Context, accountID string, params ListParams) ([]*UsageLog, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, account_id, duration_seconds, estimated_tokens, cost, status, created_at
		FROM usage_logs WHERE account_id = $1`
	args := []any{accountID}

	if params.Cursor != "" {
		ts, id, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, ts, id)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		ul := &UsageLog{}
		if err := rows.Scan(&ul.ID, &ul.AccountID, &ul.DurationSeconds,
			&ul.EstimatedTokens, &ul.Cost, &ul.Status, &ul.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning usage log row: %w", err)
		}
		logs = append(logs, ul)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage log rows: %w", err)
	}

	var nextCursor string
	if len(logs) > limit {
		last := logs[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		logs = logs[:limit]
	}
	return logs, nextCursor, nil
}

// ListTransactions returns a page of transactions for an account ordered by
// created_at DESC, id DESC, with cursor-based pagination.
func (l *Ledger) ListTransactions(ctx context.Context, accountID string, params ListParams) ([]*Transaction, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, account_id, kind, amount, description, created_at
		FROM transactions WHERE account_id = $1`
	args := []any{accountID}

	if params.Cursor != "" {
		ts, id, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, ts, id)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.Kind,
			&txn.Amount, &txn.Description, &txn.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating transaction rows: %w", err)
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		txns = txns[:limit]
	}
	return txns, nextCursor, nil
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
