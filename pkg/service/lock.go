package service

import "sync"

// LockManager hands out one mutex per method name. Calls to the same
// method are serialized; calls to different methods are not.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the lock for name is held and returns the function
// that releases it.
func (m *LockManager) Lock(name string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Len returns the number of method names seen so far.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
