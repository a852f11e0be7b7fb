package ledger

import "time"

// Transaction kinds.
const (
	KindConsume        = "consume"
	KindRecharge       = "recharge"
	KindRechargeFailed = "recharge_failed"
)

// UsageLog statuses.
const (
	UsageSuccess = "success"
	UsageFailure = "failure"
)

// Transaction is an immutable record of a balance change.
type Transaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Kind        string    `json:"kind"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// UsageLog is an immutable record of one billed metering cycle.
type UsageLog struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	DurationSeconds float64   `json:"duration_seconds"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	Cost            float64   `json:"cost"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Settlement is the result of one successful settle call.
type Settlement struct {
	Transaction *Transaction `json:"transaction"`
	UsageLog    *UsageLog    `json:"usage_log"`
	NewBalance  float64      `json:"new_balance"`
}

// UsageSummary aggregates usage logs for an account.
type UsageSummary struct {
	TotalCycles  int64   `json:"total_cycles"`
	TotalSeconds float64 `json:"total_seconds"`
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  int64   `json:"total_tokens"`
	FailedCycles int64   `json:"failed_cycles"`
}

// ListParams controls cursor-based pagination for usage and transaction lists.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
