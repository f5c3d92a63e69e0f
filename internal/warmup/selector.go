package warmup

import "github.com/foxzi/mailwarm/internal/store"

// Selector picks warmup partners
type Selector struct {
	rnd *Random
}

// NewSelector creates a selector drawing from rnd
func NewSelector(rnd *Random) *Selector {
	return &Selector{rnd: rnd}
}

// Select returns a uniform sample without replacement of min(count, eligible)
// accounts from pool, where eligible excludes the email exclude and repeated
// emails. The pool slice is not modified.
func (s *Selector) Select(pool []*store.Account, count int, exclude string) []*store.Account {
	if count <= 0 {
		return nil
	}

	excludeKey := store.Key(exclude)
	seen := make(map[string]struct{}, len(pool))
	eligible := make([]*store.Account, 0, len(pool))
	for _, acc := range pool {
		if acc == nil {
			continue
		}
		key := store.Key(acc.Email)
		if key == excludeKey {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		eligible = append(eligible, acc)
	}

	if count > len(eligible) {
		count = len(eligible)
	}

	// partial Fisher-Yates over the private copy
	for i := 0; i < count; i++ {
		j := i + s.rnd.IntN(len(eligible)-i)
		eligible[i], eligible[j] = eligible[j], eligible[i]
	}

	return eligible[:count]
}
