package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager allocates nonces for one relayer account on one chain.
// Mint and unlock submissions for different tickets run concurrently
// against the same key, so allocation is serialized here rather than
// racing PendingNonceAt.
//
// The next-nonce view never moves backward on Sync: a nonce handed out
// for a transaction that has not reached the pool yet must not be
// handed out again.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu     sync.Mutex
	next   uint64
	primed bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

// Next reserves and returns the next nonce. The first call primes the
// counter from the backend's pending nonce.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.primed = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Sync re-reads the pending nonce after a nonce-class send failure and
// returns it. The local counter only advances; reservations already
// handed out stay burned.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed || n > m.next {
		m.next = n
		m.primed = true
	}
	return n, nil
}
