package collab

import (
	"sort"
	"sync"
	"time"
)

const defaultLockTTL = 10 * time.Minute

// LockManagerConfig configures edit lease timing.
type LockManagerConfig struct {
	TTL time.Duration
}

// LockManager grants at most one unexpired edit lease per tenant and document.
// Grant and release decisions are serialized under one mutex, which keeps lock
// state transitions linearizable per document.
type LockManager struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[DocumentKey]DocumentLock
}

// LockDecision is the outcome of a lock request. On denial Lock carries the
// current holder's lease so callers can surface "locked by X".
type LockDecision struct {
	Granted bool
	Lock    DocumentLock
}

// NewLockManager constructs a manager with sane defaults.
func NewLockManager(cfg LockManagerConfig) *LockManager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &LockManager{
		ttl:   ttl,
		locks: make(map[DocumentKey]DocumentLock),
	}
}

// RequestLock grants the lease when no unexpired lock exists or the requester
// already holds it. Re-requesting an owned lock refreshes ExpiresAt. There is
// no wait queue; a held lock is an immediate denial.
func (m *LockManager) RequestLock(key DocumentKey, userID UserID, userName string, now time.Time) LockDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.locks[key]
	if held && !current.Expired(now) && current.HolderUserID != userID {
		return LockDecision{Granted: false, Lock: current}
	}

	acquiredAt := now.UTC()
	if held && current.HolderUserID == userID && !current.Expired(now) {
		acquiredAt = current.AcquiredAt
	}
	granted := DocumentLock{
		DocumentID:     key.DocumentID,
		HolderUserID:   userID,
		HolderUserName: userName,
		AcquiredAt:     acquiredAt,
		ExpiresAt:      now.UTC().Add(m.ttl),
	}
	m.locks[key] = granted
	return LockDecision{Granted: true, Lock: granted}
}

// ReleaseLock drops the lease if the caller holds it. Returns false otherwise;
// losing a release race is expected, not an error.
func (m *LockManager) ReleaseLock(key DocumentKey, userID UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.locks[key]
	if !held || current.HolderUserID != userID {
		return false
	}
	delete(m.locks, key)
	return true
}

// Status returns the unexpired lease for the document, if any.
func (m *LockManager) Status(key DocumentKey, now time.Time) (DocumentLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.locks[key]
	if !held || current.Expired(now) {
		return DocumentLock{}, false
	}
	return current, true
}

// ForceExpire releases leases past their expiry and returns the affected
// document keys, each at most once, for broadcast.
func (m *LockManager) ForceExpire(now time.Time) []DocumentKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := make([]DocumentKey, 0)
	for key, lock := range m.locks {
		if lock.Expired(now) {
			delete(m.locks, key)
			released = append(released, key)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].Less(released[j]) })
	return released
}
