package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory claim store for unit tests and
// single-process deployments. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[string]Claim
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		claims: make(map[string]Claim),
	}
}

func (s *MemoryStore) Acquire(_ context.Context, name, holder string, ttl time.Duration) (Claim, bool, error) {
	if err := validate(name, holder, ttl); err != nil {
		return Claim{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.claims[name]
	if !ok || !c.ExpiresAt.After(now) {
		out := Claim{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}
		s.claims[name] = out
		return out, true, nil
	}
	return c, false, nil
}

func (s *MemoryStore) Extend(_ context.Context, name, holder string, ttl time.Duration) (Claim, bool, error) {
	if err := validate(name, holder, ttl); err != nil {
		return Claim{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[name]
	if !ok {
		return Claim{}, false, ErrNotFound
	}
	if c.Holder != holder {
		return Claim{}, false, ErrNotHolder
	}

	// An expired claim can still be extended until someone steals it.
	out := Claim{Name: name, Holder: holder, ExpiresAt: s.now().Add(ttl)}
	s.claims[name] = out
	return out, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, holder string) error {
	if name == "" || holder == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[name]
	if !ok {
		return nil
	}
	if c.Holder != holder {
		return ErrNotHolder
	}
	delete(s.claims, name)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Claim, error) {
	if name == "" {
		return Claim{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.claims[name]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return c, nil
}
