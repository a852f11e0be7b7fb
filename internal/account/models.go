package account

import "time"

// Account status values.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Account is the billing identity a connection is metered against. Rows are
// created at signup by the web application; this service only reads them and
// mutates balance and quota counters through the ledger.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Balance      float64   `json:"balance"`
	QuotaLimit   float64   `json:"quota_limit"` // minutes
	UsedQuota    float64   `json:"used_quota"`  // minutes
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot is the read-only view of an account that admission decisions are
// made against. It is what the authenticator caches.
type Snapshot struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Balance    float64   `json:"balance"`
	QuotaLimit float64   `json:"quota_limit"`
	UsedQuota  float64   `json:"used_quota"`
	Status     string    `json:"status"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Snapshot derives the cacheable view from a full account row.
func (a *Account) Snapshot(now time.Time) *Snapshot {
	return &Snapshot{
		ID:         a.ID,
		Email:      a.Email,
		Balance:    a.Balance,
		QuotaLimit: a.QuotaLimit,
		UsedQuota:  a.UsedQuota,
		Status:     a.Status,
		FetchedAt:  now,
	}
}

// CreateAccountInput holds the fields required to insert an account. Only the
// seed command uses it; production accounts arrive via the signup service.
type CreateAccountInput struct {
	Email        string
	PasswordHash string
	Balance      float64
	QuotaLimit   float64
}
