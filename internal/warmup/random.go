package warmup

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Random is a goroutine-safe random source shared by the selector and simulator
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom creates a deterministic source from seed
func NewRandom(seed uint64) *Random {
	return &Random{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewTimeRandom creates a source seeded from the current time
func NewTimeRandom() *Random {
	return NewRandom(uint64(time.Now().UnixNano()))
}

// IntN returns a value in [0,n)
func (r *Random) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.IntN(n)
}

// Float64 returns a value in [0,1)
func (r *Random) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// Duration returns a uniform duration in [min,max]
func (r *Random) Duration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return min + time.Duration(r.rnd.Int64N(int64(max-min)+1))
}
