package ticket

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	ticketID    uint64
	originChain uint64
}

// MemoryStore is an in-memory Store for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	tickets map[memKey]Ticket
	order   []memKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets: make(map[memKey]Ticket),
	}
}

func (s *MemoryStore) UpsertLockRequested(_ context.Context, t Ticket) (Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{t.TicketID, t.OriginChain}
	cur, ok := s.tickets[k]
	if !ok {
		t.Status = StatusLockRequested
		s.tickets[k] = t
		s.order = append(s.order, k)
		return t, true, nil
	}
	if cur.DestinationChain != t.DestinationChain {
		return Ticket{}, false, ErrTicketMismatch
	}
	return cur, false, nil
}

func (s *MemoryStore) Get(_ context.Context, ticketID, originChain uint64) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[memKey{ticketID, originChain}]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Ticket, 0, limit)
	for _, k := range s.order {
		t := s.tickets[k]
		if t.Status != status {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Ticket, 0, limit)
	for _, k := range s.order {
		t := s.tickets[k]
		if t.Status.Terminal() || t.Status.Settled() {
			continue
		}
		if !t.LastAttemptAt.Before(cutoff) {
			continue
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, ticketID, originChain uint64, tr Transition) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{ticketID, originChain}
	t, ok := s.tickets[k]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	if t.Status != tr.From {
		return Ticket{}, ErrStaleStatus
	}

	t.Status = tr.To
	t.LastEvent = tr.Ref
	t.RetryCount = 0
	if tr.Owner != nil {
		t.Owner = *tr.Owner
	}
	if !tr.At.IsZero() {
		t.LastAttemptAt = tr.At
	}
	s.tickets[k] = t
	return t, nil
}

func (s *MemoryStore) SetDynamicState(_ context.Context, ticketID, originChain uint64, ds DynamicState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{ticketID, originChain}
	t, ok := s.tickets[k]
	if !ok {
		return ErrNotFound
	}
	t.DynamicState = ds
	s.tickets[k] = t
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, ticketID, originChain uint64, at time.Time) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{ticketID, originChain}
	t, ok := s.tickets[k]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	t.RetryCount++
	t.LastAttemptAt = at
	s.tickets[k] = t
	return t, nil
}

func (s *MemoryStore) StatusCounts(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Status]int, len(s.tickets))
	for _, t := range s.tickets {
		out[t.Status]++
	}
	return out, nil
}
