package deployment

import "sync"

// LockManager holds one non-blocking lock per service. It backs the
// reject policy: a service that is locked refuses new deployments.
//
// The outer mutex guards the map; each service's own mutex is the lock.
// Different services never contend with each other.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock acquires the lock for service without blocking. It returns false
// when a deployment of service already holds it.
func (lm *LockManager) TryLock(service string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[service]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[service] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for service. Unknown services are a no-op.
func (lm *LockManager) Unlock(service string) {
	lm.mu.Lock()
	lock := lm.locks[service]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
