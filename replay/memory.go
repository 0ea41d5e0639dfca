package replay

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// DefaultProbeWindow is the number of consecutive slots searched for a nonce.
const DefaultProbeWindow = 32

type slot struct {
	nonce   interfaces.Nonce
	expires time.Time
	used    bool
}

// MemoryStore is an arena of fixed-capacity slots indexed by a keyed hash of the
// nonce. Each insert probes a bounded window of slots starting at the nonce's
// home slot, purging expired entries it passes. There is no background sweeper
// and memory never grows past the configured capacity. When every slot in the
// window holds a live nonce the insert fails with ErrNonceStoreFull; live
// nonces are never evicted.
type MemoryStore struct {
	mu     sync.Mutex
	slots  []slot
	seed   maphash.Seed
	window int
}

// NewMemoryStore creates an arena with capacity slots.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = 1
	}
	window := DefaultProbeWindow
	if window > capacity {
		window = capacity
	}
	return &MemoryStore{
		slots:  make([]slot, capacity),
		seed:   maphash.MakeSeed(),
		window: window,
	}
}

// Remember records nonce until now+ttl.
func (s *MemoryStore) Remember(_ context.Context, nonce interfaces.Nonce, now time.Time, ttl time.Duration) error {
	home := int(maphash.Bytes(s.seed, nonce[:]) % uint64(len(s.slots)))

	s.mu.Lock()
	defer s.mu.Unlock()

	free := -1
	// The whole window is scanned even after a free slot is found, since the
	// nonce may already sit further along.
	for i := 0; i < s.window; i++ {
		idx := (home + i) % len(s.slots)
		sl := &s.slots[idx]

		if sl.used && !now.Before(sl.expires) {
			*sl = slot{}
		}
		if !sl.used {
			if free < 0 {
				free = idx
			}
			continue
		}
		if sl.nonce == nonce {
			return interfaces.ErrNonceReplayed
		}
	}

	if free < 0 {
		return interfaces.ErrNonceStoreFull
	}
	s.slots[free] = slot{nonce: nonce, expires: now.Add(ttl), used: true}
	return nil
}

// Len returns the number of occupied slots, including expired ones not yet purged.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.slots {
		if s.slots[i].used {
			n++
		}
	}
	return n
}
