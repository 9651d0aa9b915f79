package deployment

import "sync"

// LockManager tracks in-flight deploys so that at most one deploy runs per
// deploy key (repository + branch). Acquisition never blocks: a busy key is
// reported to the caller, which skips the deploy.
type LockManager struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewLockManager creates an empty lock set.
func NewLockManager() *LockManager {
	return &LockManager{
		inFlight: make(map[string]struct{}),
	}
}

// TryLock marks key as in flight. The membership check and the insert
// happen under one mutex, so two concurrent callers can never both win.
// Returns false if the key is already held.
func (lm *LockManager) TryLock(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, busy := lm.inFlight[key]; busy {
		return false
	}
	lm.inFlight[key] = struct{}{}
	return true
}

// Unlock releases key. Releasing a key that is not held is a no-op, so a
// deferred Unlock is safe on every exit path.
func (lm *LockManager) Unlock(key string) {
	lm.mu.Lock()
	delete(lm.inFlight, key)
	lm.mu.Unlock()
}

// InFlight returns the number of deploys currently holding a key.
func (lm *LockManager) InFlight() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.inFlight)
}
