// Package presigpool implements the Presignature Pool (spec.md §4.7): a
// per-node, single-use FIFO of ECDSA-threshold presignatures with a
// lease-elected background refill task. Schnorr-threshold wallets need no
// pool (spec.md §4.6 "No presignature pool needed").
package presigpool

import (
	"sync"

	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
)

// Pool is a concurrent, mutex-protected FIFO. try_take removes atomically
// from the front so a presignature is never handed out twice (spec.md §8:
// "p is returned by try_take at most once across the process lifetime").
type Pool struct {
	mu       sync.Mutex
	items    []*ecdsa.Presignature
	target   int
	capacity int
}

// NewPool constructs an empty pool (spec.md §4.7: "On node restart the pool
// starts empty; presignatures are never persisted").
func NewPool(target, capacity int) *Pool {
	if capacity < target {
		capacity = target
	}
	return &Pool{target: target, capacity: capacity}
}

// TryTake atomically removes and returns the front presignature, or false if
// the pool is empty. The caller must treat the returned value as destroyed
// once consumed: there is no borrow API (spec.md §4.7).
func (p *Pool) TryTake() (*ecdsa.Presignature, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return nil, false
	}
	ps := p.items[0]
	p.items = p.items[1:]
	return ps, true
}

// Insert appends ps at the back if len < max_capacity, returning false if the
// pool is already at capacity.
func (p *Pool) Insert(ps *ecdsa.Presignature) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) >= p.capacity {
		return false
	}
	p.items = append(p.items, ps)
	return true
}

// Stats returns (len, target, capacity).
func (p *Pool) Stats() (length, target, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items), p.target, p.capacity
}

// NeedsRefill reports whether len < target, the refill task's trigger
// condition (spec.md §4.7).
func (p *Pool) NeedsRefill() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) < p.target
}
