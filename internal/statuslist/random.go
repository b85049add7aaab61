package statuslist

import (
	"math/rand"
	"sync"
	"time"
)

// RandomSource supplies the tie-breaking randomness used when spreading
// allocations across blocks. Allocation correctness never depends on its
// distribution; tests pin it to zero.
type RandomSource interface {
	Uint64() uint64
}

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandomSource returns a time-seeded source safe for concurrent use
func NewRandomSource() RandomSource {
	return &lockedSource{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Uint64()
}

// ZeroSource always returns zero. Correctness tests run with this source
// to prove allocation does not depend on randomness.
type ZeroSource struct{}

func (ZeroSource) Uint64() uint64 { return 0 }
