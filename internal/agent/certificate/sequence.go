package certificate

import (
	"context"
	"fmt"
	"sync"
)

type seqKey struct {
	typ  Type
	year int
}

// Sequencer allocates certificate numbers one at a time. Each (type, year)
// counter is seeded from the store on first use.
type Sequencer struct {
	store Store

	mu   sync.Mutex
	last map[seqKey]int64
}

// NewSequencer creates a sequencer backed by store.
func NewSequencer(store Store) *Sequencer {
	return &Sequencer{store: store, last: make(map[seqKey]int64)}
}

// Next allocates the next sequence for (t, year) and its formatted number.
func (s *Sequencer) Next(ctx context.Context, t Type, year int) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := seqKey{typ: t, year: year}
	last, ok := s.last[k]
	if !ok && s.store != nil {
		seed, err := s.store.MaxSequence(ctx, t, year)
		if err != nil {
			return 0, "", fmt.Errorf("seed %s sequence for %d: %w", t, year, err)
		}
		last = seed
	}
	last++
	s.last[k] = last
	return last, FormatNumber(t, year, last), nil
}

// FormatNumber renders PREFIX-YYYY-NNNNNN.
func FormatNumber(t Type, year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%06d", t.Prefix(), year, seq)
}
