package rebalance

import "sync"

// userLocks serializes rebalance work per user. At most one compute/execute
// cycle may be in flight for a given user; concurrent triggers queue behind
// the lock instead of racing on the same portfolio.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *userLocks) acquire(userID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
