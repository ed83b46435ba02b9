package service

import "sync"

// EnvLocker serializes session control and reconciliation per environment.
// Ticks do not take it; they are serialized by the session claim.
type EnvLocker struct {
	mu    sync.Mutex
	locks map[string]*envLock
}

type envLock struct {
	mu   sync.Mutex
	refs int
}

// NewEnvLocker creates an empty locker.
func NewEnvLocker() *EnvLocker {
	return &EnvLocker{locks: make(map[string]*envLock)}
}

// Lock blocks until environmentID is free and returns its unlock func.
func (l *EnvLocker) Lock(environmentID string) func() {
	l.mu.Lock()
	el, ok := l.locks[environmentID]
	if !ok {
		el = &envLock{}
		l.locks[environmentID] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, environmentID)
		}
		l.mu.Unlock()
	}
}

func (l *EnvLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
