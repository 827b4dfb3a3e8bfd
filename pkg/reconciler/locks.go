package reconciler

import (
	"sync"

	"github.com/memoryx/memoryx/pkg/memory"
)

// ownerLocks serializes reconciliation within an owner partition while
// letting different owners proceed in parallel.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the partition's mutex and returns its unlock function.
func (l *ownerLocks) lock(owner memory.Owner) func() {
	key := owner.Partition()

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
