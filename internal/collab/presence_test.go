package collab

import (
	"testing"
	"time"
)

func newTestTracker(clock func() time.Time) *PresenceTracker {
	return NewPresenceTracker(PresenceTrackerConfig{
		Timeout: 60 * time.Second,
		Clock:   clock,
	})
}

func TestPresenceJoinReturnsSnapshotIncludingSelf(t *testing.T) {
	tracker := newTestTracker(func() time.Time { return time.Unix(1700000000, 0).UTC() })
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	tracker.Join(key, mustUserID(t, "user-a"), "Alice")
	snapshot := tracker.Join(key, mustUserID(t, "user-b"), "Bob")

	if len(snapshot) != 2 {
		t.Fatalf("expected 2 presence entries, got %d", len(snapshot))
	}
	if snapshot[0].UserID != "user-a" || snapshot[1].UserID != "user-b" {
		t.Fatalf("unexpected snapshot order: %#v", snapshot)
	}
	if snapshot[1].Status != PresenceStatusActive {
		t.Fatalf("expected joining user to be active, got %s", snapshot[1].Status)
	}
}

func TestPresenceUpdateIsLastWriterWinsPerUser(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tracker := newTestTracker(func() time.Time { return now })
	key := mustDocumentKey(t, "tenant-1", "doc-1")
	userID := mustUserID(t, "user-a")

	tracker.Join(key, userID, "Alice")
	accepted := tracker.UpdatePresence(key, Presence{
		UserID:   userID,
		UserName: "Alice",
		Status:   PresenceStatusTyping,
		Cursor:   CursorState{Position: 12},
		LastSeen: time.Unix(1, 0), // client-supplied value must be overwritten
	})

	if !accepted.LastSeen.Equal(now) {
		t.Fatalf("expected server-stamped last seen %v, got %v", now, accepted.LastSeen)
	}

	active := tracker.ActiveUsers(key)
	if len(active) != 1 {
		t.Fatalf("expected exactly one entry per user, got %d", len(active))
	}
	if active[0].Status != PresenceStatusTyping || active[0].Cursor.Position != 12 {
		t.Fatalf("unexpected presence entry: %#v", active[0])
	}
}

func TestPresenceLeaveForAbsentUserIsNoOp(t *testing.T) {
	tracker := newTestTracker(time.Now)
	key := mustDocumentKey(t, "tenant-1", "doc-unknown")
	tracker.Leave(key, mustUserID(t, "user-a"))

	if users := tracker.ActiveUsers(key); len(users) != 0 {
		t.Fatalf("expected empty presence set, got %d entries", len(users))
	}
}

func TestPresenceIsolatesTenantsSharingDocumentID(t *testing.T) {
	tracker := newTestTracker(func() time.Time { return time.Unix(1700000000, 0).UTC() })
	tenantA := mustDocumentKey(t, "tenant-a", "doc-1")
	tenantB := mustDocumentKey(t, "tenant-b", "doc-1")

	tracker.Join(tenantA, mustUserID(t, "user-a"), "Alice")
	snapshot := tracker.Join(tenantB, mustUserID(t, "user-b"), "Bob")

	if len(snapshot) != 1 || snapshot[0].UserID != "user-b" {
		t.Fatalf("tenant-b must not see tenant-a's participants, got %#v", snapshot)
	}
	if active := tracker.ActiveUsers(tenantA); len(active) != 1 || active[0].UserID != "user-a" {
		t.Fatalf("tenant-a's presence set must be untouched, got %#v", active)
	}
}

func TestPresenceSweepEvictsStaleEntries(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	tracker := newTestTracker(func() time.Time { return current })
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	tracker.Join(key, mustUserID(t, "user-stale"), "Stale")
	current = current.Add(45 * time.Second)
	tracker.Join(key, mustUserID(t, "user-fresh"), "Fresh")

	removed := tracker.Sweep(current.Add(30 * time.Second))
	if len(removed[key]) != 1 || removed[key][0] != "user-stale" {
		t.Fatalf("expected only user-stale to be removed, got %#v", removed)
	}

	active := tracker.ActiveUsers(key)
	if len(active) != 1 || active[0].UserID != "user-fresh" {
		t.Fatalf("expected user-fresh to survive sweep, got %#v", active)
	}
}

func TestPresenceSweepDropsEmptyDocuments(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	tracker := newTestTracker(func() time.Time { return current })
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	tracker.Join(key, mustUserID(t, "user-a"), "Alice")
	removed := tracker.Sweep(current.Add(5 * time.Minute))

	if len(removed[key]) != 1 {
		t.Fatalf("expected one removal, got %#v", removed)
	}
	if again := tracker.Sweep(current.Add(10 * time.Minute)); len(again) != 0 {
		t.Fatalf("second sweep must find nothing, got %#v", again)
	}
}
