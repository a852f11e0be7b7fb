package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nvallet/voxgate/internal/account"
)

// Rejection reasons surfaced to the gateway, which maps them to close codes.
var (
	ErrTokenMissing    = errors.New("missing bearer token")
	ErrTokenMalformed  = errors.New("malformed bearer token")
	ErrTokenInvalid    = errors.New("invalid or expired token")
	ErrAccountNotFound = errors.New("account not found")
)

// AccountGetter is the interface for loading account rows on a cache miss.
type AccountGetter interface {
	GetByID(ctx context.Context, id string) (*account.Account, error)
}

// Authenticator validates bearer tokens and resolves them to account
// snapshots. Snapshots are cached with a short TTL so repeated admissions for
// the same account do not hit the store each time. It never mutates accounts.
type Authenticator struct {
	secret   []byte
	accounts AccountGetter
	cache    *lru.LRU[string, *account.Snapshot]
	now      func() time.Time // injectable clock for testing
}

// New creates an Authenticator. cacheSize and ttl bound the snapshot cache.
func New(secret string, accounts AccountGetter, cacheSize int, ttl time.Duration) *Authenticator {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Authenticator{
		secret:   []byte(secret),
		accounts: accounts,
		cache:    lru.NewLRU[string, *account.Snapshot](cacheSize, nil, ttl),
		now:      time.Now,
	}
}

type claims struct {
	jwt.RegisteredClaims
}

// Authenticate validates the token signature and expiry, then resolves the
// subject claim to an account snapshot, consulting the cache first.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*account.Snapshot, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	accountID, err := a.verify(token)
	if err != nil {
		return nil, err
	}

	if snap, ok := a.cache.Get(accountID); ok {
		return snap, nil
	}

	acct, err := a.accounts.GetByID(ctx, accountID)
	if errors.Is(err, account.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", accountID, err)
	}

	snap := acct.Snapshot(a.now())
	a.cache.Add(accountID, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for an account, forcing the next
// admission to re-read the store.
func (a *Authenticator) Invalidate(accountID string) {
	a.cache.Remove(accountID)
}

// verify parses and validates the JWT and returns the subject (account id).
func (a *Authenticator) verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", ErrTokenMalformed
	case err != nil:
		return "", ErrTokenInvalid
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return "", ErrTokenInvalid
	}
	return c.Subject, nil
}

// SignToken issues an HS256 token for the given account id. Used by the seed
// command to produce credentials for local testing; production tokens are
// issued by the signup service with the same secret.
func SignToken(secret, accountID string, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
