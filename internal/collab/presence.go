package collab

import (
	"sort"
	"sync"
	"time"
)

const defaultPresenceTimeout = 60 * time.Second

// PresenceTrackerConfig configures liveness tracking.
type PresenceTrackerConfig struct {
	Timeout time.Duration
	Clock   func() time.Time
}

// PresenceTracker maintains the set of participants currently viewing each
// document, keyed per tenant and document. Entries are last-writer-wins per
// (document, user) and evicted by Sweep once they outlive the configured
// timeout.
type PresenceTracker struct {
	mu        sync.Mutex
	timeout   time.Duration
	clock     func() time.Time
	documents map[DocumentKey]map[UserID]Presence
}

// NewPresenceTracker constructs a tracker with sane defaults.
func NewPresenceTracker(cfg PresenceTrackerConfig) *PresenceTracker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPresenceTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PresenceTracker{
		timeout:   timeout,
		clock:     clock,
		documents: make(map[DocumentKey]map[UserID]Presence),
	}
}

// Join registers the user on the document and returns a snapshot of the
// document's presence set including the new entry. Unknown documents are
// created lazily.
func (t *PresenceTracker) Join(key DocumentKey, userID UserID, userName string) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.documents[key]
	if entries == nil {
		entries = make(map[UserID]Presence)
		t.documents[key] = entries
	}
	entries[userID] = Presence{
		UserID:   userID,
		UserName: userName,
		Status:   PresenceStatusActive,
		LastSeen: t.clock().UTC(),
	}
	return snapshotPresence(entries)
}

// Leave removes the user's entry. Absent users are a no-op.
func (t *PresenceTracker) Leave(key DocumentKey, userID UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.documents[key]
	if entries == nil {
		return
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(t.documents, key)
	}
}

// UpdatePresence applies a last-writer-wins update and returns the accepted
// entry with a server-stamped LastSeen.
func (t *PresenceTracker) UpdatePresence(key DocumentKey, presence Presence) Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.documents[key]
	if entries == nil {
		entries = make(map[UserID]Presence)
		t.documents[key] = entries
	}
	presence.LastSeen = t.clock().UTC()
	if presence.Status == "" {
		presence.Status = PresenceStatusActive
	}
	entries[presence.UserID] = presence
	return presence
}

// ActiveUsers returns the document's current presence set.
func (t *PresenceTracker) ActiveUsers(key DocumentKey) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshotPresence(t.documents[key])
}

// Sweep evicts entries not seen within the timeout window and returns the
// removed user ids per document so callers can broadcast implicit leaves.
func (t *PresenceTracker) Sweep(now time.Time) map[DocumentKey][]UserID {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := make(map[DocumentKey][]UserID)
	for key, entries := range t.documents {
		for userID, entry := range entries {
			if now.Sub(entry.LastSeen) > t.timeout {
				delete(entries, userID)
				removed[key] = append(removed[key], userID)
			}
		}
		if len(entries) == 0 {
			delete(t.documents, key)
		}
	}
	for _, userIDs := range removed {
		sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	}
	return removed
}

func snapshotPresence(entries map[UserID]Presence) []Presence {
	snapshot := make([]Presence, 0, len(entries))
	for _, entry := range entries {
		snapshot = append(snapshot, entry)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UserID < snapshot[j].UserID })
	return snapshot
}
