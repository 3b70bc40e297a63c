package service

import "sync"

// saleLocks serialises operations per sale. Entries are dropped once no
// caller holds or waits on them.
type saleLocks struct {
	mu    sync.Mutex
	locks map[string]*saleLock
}

type saleLock struct {
	mu   sync.Mutex
	refs int
}

func newSaleLocks() *saleLocks {
	return &saleLocks{locks: make(map[string]*saleLock)}
}

func (l *saleLocks) lock(saleID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[saleID]
	if !ok {
		entry = &saleLock{}
		l.locks[saleID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, saleID)
		}
		l.mu.Unlock()
	}
}
