// Package nonce tracks each trader's last-used nonce (spec.md §3 "Nonce
// counter", §4.2). Reservation is two-phase: Reserve records a tentative
// value without making it visible to other validations; Commit makes it the
// new floor; Release discards the reservation on rejection so a rejected
// order never advances the counter (spec.md §4.2, invariant 1 in §8).
package nonce

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store is a per-trader sharded nonce counter. Sharding is by trader
// address, matching the concurrency model in spec.md §5 ("Global ledgers
// ... are sharded by (trader) ... key").
type Store struct {
	mu    sync.Mutex
	last  map[common.Address]uint64
	tent  map[common.Address]uint64 // tentative reservation in flight, if any
}

func NewStore() *Store {
	return &Store{
		last: make(map[common.Address]uint64),
		tent: make(map[common.Address]uint64),
	}
}

// Load seeds the in-memory counter from a persisted value (repository
// recovery path).
func (s *Store) Load(trader common.Address, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[trader] = value
}

// Expected returns last-used+1, the only nonce value an incoming order for
// trader may legally carry right now.
func (s *Store) Expected(trader common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[trader] + 1
}

// Reserve tentatively claims nonce for trader iff it equals last+1 and no
// other reservation is outstanding for this trader. It does not advance
// last; callers must follow up with Commit or Release.
func (s *Store) Reserve(trader common.Address, n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, inFlight := s.tent[trader]; inFlight {
		return false
	}
	if n != s.last[trader]+1 {
		return false
	}
	s.tent[trader] = n
	return true
}

// Commit makes a previously Reserve'd nonce the new floor. Commit is a
// no-op (returns false) if there is no matching outstanding reservation,
// which would indicate a NonceGap invariant violation upstream.
func (s *Store) Commit(trader common.Address, n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if got, ok := s.tent[trader]; !ok || got != n {
		return false
	}
	s.last[trader] = n
	delete(s.tent, trader)
	return true
}

// Release discards a reservation without advancing the counter — the path
// taken when an order is rejected downstream of nonce validation.
func (s *Store) Release(trader common.Address, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if got, ok := s.tent[trader]; ok && got == n {
		delete(s.tent, trader)
	}
}

// Last returns the last committed nonce for trader (0 if none).
func (s *Store) Last(trader common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[trader]
}
