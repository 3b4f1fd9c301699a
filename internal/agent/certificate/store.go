package certificate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists certificate records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	MaxSequence(ctx context.Context, t Type, year int) (int64, error)
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns records ordered by issue time, then number.
func (m *MemoryStore) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *MemoryStore) MaxSequence(_ context.Context, t Type, year int) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var seq int64
	for _, rec := range m.records {
		if rec.Type == t && rec.Year == year && rec.Sequence > seq {
			seq = rec.Sequence
		}
	}
	return seq, nil
}
