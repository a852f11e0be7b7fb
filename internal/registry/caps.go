package registry

import "sync"

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// caps holds the admission counters. Both ceilings are checked and the
// counters bumped under one lock so concurrent admissions cannot overshoot.
type caps struct {
	mu            sync.Mutex
	maxTotal      int
	maxPerAccount int
	total         int
	perAccount    map[string]int
}

func (c *caps) acquire(accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxTotal > 0 && c.total >= c.maxTotal {
		return ErrAtCapacity
	}
	if c.maxPerAccount > 0 && c.perAccount[accountID] >= c.maxPerAccount {
		return ErrAccountAtCapacity
	}
	c.total++
	c.perAccount[accountID]++
	return nil
}

func (c *caps) release(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total--
	if n := c.perAccount[accountID]; n <= 1 {
		delete(c.perAccount, accountID)
	} else {
		c.perAccount[accountID] = n - 1
	}
}
