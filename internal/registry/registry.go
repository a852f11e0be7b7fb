package registry

import (
	"errors"
	"time"
)

var (
	// ErrAtCapacity indicates the global connection ceiling is reached.
	ErrAtCapacity = errors.New("registry: at capacity")

	// ErrAccountAtCapacity indicates the per-account ceiling is reached.
	ErrAccountAtCapacity = errors.New("registry: account at capacity")

	errNotFound = errors.New("registry: connection not found")
)

// Handle lets the liveness monitor probe and force-close a connection without
// the registry knowing anything about transports.
type Handle interface {
	// Ping sends a liveness probe. An error means the peer is gone.
	Ping() error
	// ForceClose tears the connection down with the given close code.
	ForceClose(code int, reason string)
}

// Entry is the registry's view of one live connection.
type Entry struct {
	ID        string
	AccountID string
	Handle    Handle

	// lastActivity is the wall-clock time of the most recent audio frame.
	lastActivity time.Time

	// seenFrame flips on the first Touch. Until then lastActivity is the
	// registration time, which must not be billed against the first frame.
	seenFrame bool

	// unbilled accumulates wall-clock gaps between frames since the last
	// successful settlement.
	unbilled time.Duration

	billedTokens int64
	startedAt    time.Time
}

// Snapshot is a read-only copy of an entry for the monitor and metrics.
type Snapshot struct {
	ID           string
	AccountID    string
	Handle       Handle
	LastActivity time.Time
	Unbilled     time.Duration
	BilledTokens int64
	StartedAt    time.Time
}

const shardCount = 32

// Registry tracks live connections. Mutations to a given connection are
// serialized by its shard lock; capacity counters live behind their own lock
// so Touch never contends with admission.
type Registry struct {
	shards [shardCount]shard
	caps   caps
}

// New creates a registry enforcing the given ceilings. A zero or negative
// ceiling disables that check.
func New(maxConnections, maxPerAccount int) *Registry {
	r := &Registry{}
	r.caps.maxTotal = maxConnections
	r.caps.maxPerAccount = maxPerAccount
	r.caps.perAccount = make(map[string]int)
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*Entry)
	}
	return r
}

// Register admits a connection, enforcing both ceilings atomically. The
// global ceiling is checked before the per-account one.
func (r *Registry) Register(id, accountID string, h Handle, now time.Time) error {
	if err := r.caps.acquire(accountID); err != nil {
		return err
	}

	s := r.shard(id)
	s.mu.Lock()
	s.entries[id] = &Entry{
		ID:           id,
		AccountID:    accountID,
		Handle:       h,
		lastActivity: now,
		startedAt:    now,
	}
	s.mu.Unlock()
	return nil
}

// Touch records frame arrival at now and accumulates the wall-clock gap since
// the previous frame into the unbilled duration. The first frame only stamps
// activity: metering is over inter-frame gaps, so admission latency before it
// is never billed. After a settlement reset the gap is still measured from
// the previous frame.
func (r *Registry) Touch(id string, now time.Time) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	if !e.seenFrame {
		e.seenFrame = true
		e.lastActivity = now
		return
	}
	if gap := now.Sub(e.lastActivity); gap > 0 {
		e.unbilled += gap
	}
	e.lastActivity = now
}

// UnbilledDuration returns the accumulated unsettled duration.
func (r *Registry) UnbilledDuration(id string) (time.Duration, error) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return 0, errNotFound
	}
	return e.unbilled, nil
}

// ResetDuration zeroes the unbilled accumulator after a successful
// settlement. Gaps recorded by later Touch calls start from zero.
func (r *Registry) ResetDuration(id string) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.unbilled = 0
	}
}

// AddBilledTokens adds to the connection's settled token count.
func (r *Registry) AddBilledTokens(id string, tokens int64) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.billedTokens += tokens
	}
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (Snapshot, bool) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(e), true
}

// Remove deregisters a connection and releases its capacity slots.
// Idempotent; a second call for the same id is a no-op.
func (r *Registry) Remove(id string) {
	s := r.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok {
		r.caps.release(e.AccountID)
	}
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.caps.mu.Lock()
	defer r.caps.mu.Unlock()
	return r.caps.total
}

// Snapshot returns copies of all live entries. Shards are walked one at a
// time; the result is not a point-in-time view across shards.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, r.Len())
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			out = append(out, snapshotOf(e))
		}
		s.mu.Unlock()
	}
	return out
}

func snapshotOf(e *Entry) Snapshot {
	return Snapshot{
		ID:           e.ID,
		AccountID:    e.AccountID,
		Handle:       e.Handle,
		LastActivity: e.lastActivity,
		Unbilled:     e.unbilled,
		BilledTokens: e.billedTokens,
		StartedAt:    e.startedAt,
	}
}

func (r *Registry) shard(id string) *shard {
	return &r.shards[fnv32(id)%shardCount]
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
