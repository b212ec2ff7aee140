package lifecycle

import "sync"

// keyedMutex serializes work per ticket key while letting distinct
// tickets proceed in parallel. Entries are reference-counted so the map
// does not grow with the ticket population.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[ticketKey]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[ticketKey]*keyedEntry)}
}

func (k *keyedMutex) lock(key ticketKey) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.sem <- struct{}{}
}

func (k *keyedMutex) unlock(key ticketKey) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("lifecycle: unlock of unheld keyed mutex")
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	<-e.sem
}
