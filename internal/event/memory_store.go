package event

import (
	"context"
	"sort"
	"sync"
)

type memKey struct {
	chain    uint64
	txHash   [32]byte
	logIndex uint32
}

// MemoryStore is an in-memory Store for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memKey]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[memKey]Record),
	}
}

func (s *MemoryStore) Admit(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{rec.Chain, rec.TxHash, rec.LogIndex}
	if _, ok := s.records[k]; ok {
		return false, nil
	}
	s.records[k] = rec
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, chain uint64, txHash [32]byte, logIndex uint32) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memKey{chain, txHash, logIndex}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListByChain(_ context.Context, chain uint64, fromHeight uint64, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	var out []Record
	for _, rec := range s.records {
		if rec.Chain != chain || rec.BlockHeight < fromHeight {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockHeight != out[j].BlockHeight {
			return out[i].BlockHeight < out[j].BlockHeight
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
