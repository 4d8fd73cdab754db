package collab

import (
	"errors"
	"testing"
	"time"
)

func changeAt(t *testing.T, document string, version int64, appliedAt time.Time) AppliedChange {
	t.Helper()
	return AppliedChange{
		Operation: Operation{
			ID:         "op",
			DocumentID: mustDocumentID(t, document),
			UserID:     "user-a",
			Kind:       OperationInsert,
			Content:    "x",
		},
		ResultVersion: version,
		AppliedAt:     appliedAt,
	}
}

func TestChangeLogAppendKeepsContiguousVersions(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{})
	base := time.Unix(1700000000, 0).UTC()
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	if err := log.Append(key, changeAt(t, "doc-1", 1, base)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := log.Append(key, changeAt(t, "doc-1", 2, base.Add(time.Second))); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	err := log.Append(key, changeAt(t, "doc-1", 4, base.Add(2*time.Second)))
	if !errors.Is(err, ErrChangeLogGap) {
		t.Fatalf("expected ErrChangeLogGap, got %v", err)
	}
}

func TestChangeLogSinceIsRestartable(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{})
	base := time.Unix(1700000000, 0).UTC()
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	log.Append(key, changeAt(t, "doc-1", 1, base))
	log.Append(key, changeAt(t, "doc-1", 2, base.Add(10*time.Second)))

	first := log.Since(key, base.Add(5*time.Second))
	if len(first) != 1 || first[0].ResultVersion != 2 {
		t.Fatalf("unexpected first query result: %#v", first)
	}

	log.Append(key, changeAt(t, "doc-1", 3, base.Add(20*time.Second)))
	second := log.Since(key, base.Add(5*time.Second))
	if len(second) != 2 {
		t.Fatalf("restarted query must include appended tail, got %d entries", len(second))
	}
	if second[0].ResultVersion != 2 || second[1].ResultVersion != 3 {
		t.Fatalf("unexpected ordering: %#v", second)
	}
}

func TestChangeLogSinceVersion(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{})
	base := time.Unix(1700000000, 0).UTC()
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	for version := int64(1); version <= 5; version++ {
		log.Append(key, changeAt(t, "doc-1", version, base.Add(time.Duration(version)*time.Second)))
	}

	tail := log.SinceVersion(key, 3)
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries past version 3, got %d", len(tail))
	}
	if tail[0].ResultVersion != 4 || tail[1].ResultVersion != 5 {
		t.Fatalf("unexpected tail: %#v", tail)
	}
}

func TestChangeLogIsolatesDocuments(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{})
	base := time.Unix(1700000000, 0).UTC()

	log.Append(mustDocumentKey(t, "tenant-1", "doc-1"), changeAt(t, "doc-1", 1, base))
	log.Append(mustDocumentKey(t, "tenant-1", "doc-2"), changeAt(t, "doc-2", 1, base))

	if entries := log.SinceVersion(mustDocumentKey(t, "tenant-1", "doc-1"), 0); len(entries) != 1 {
		t.Fatalf("expected 1 entry for doc-1, got %d", len(entries))
	}
}

func TestChangeLogIsolatesTenantsSharingDocumentID(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{})
	base := time.Unix(1700000000, 0).UTC()
	tenantA := mustDocumentKey(t, "tenant-a", "doc-1")
	tenantB := mustDocumentKey(t, "tenant-b", "doc-1")

	// Tenant A is three versions ahead; tenant B's log must still start at 1.
	for version := int64(1); version <= 3; version++ {
		if err := log.Append(tenantA, changeAt(t, "doc-1", version, base)); err != nil {
			t.Fatalf("append to tenant-a failed: %v", err)
		}
	}
	if err := log.Append(tenantB, changeAt(t, "doc-1", 1, base)); err != nil {
		t.Fatalf("tenant-b's first append must not see tenant-a's versions: %v", err)
	}

	if entries := log.SinceVersion(tenantB, 0); len(entries) != 1 {
		t.Fatalf("expected tenant-b to hold exactly its own entry, got %d", len(entries))
	}
	if entries := log.SinceVersion(tenantA, 0); len(entries) != 3 {
		t.Fatalf("tenant-a's log must be untouched, got %d entries", len(entries))
	}
}

func TestChangeLogCompactDropsOldEntries(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{})
	base := time.Unix(1700000000, 0).UTC()
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	for version := int64(1); version <= 6; version++ {
		log.Append(key, changeAt(t, "doc-1", version, base))
	}
	log.Compact(key, 4)

	remaining := log.SinceVersion(key, 0)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 entries after compaction, got %d", len(remaining))
	}
	if remaining[0].ResultVersion != 5 {
		t.Fatalf("expected floor at version 5, got %d", remaining[0].ResultVersion)
	}

	// Appends above the compaction floor continue the sequence.
	if err := log.Append(key, changeAt(t, "doc-1", 7, base)); err != nil {
		t.Fatalf("append after compaction failed: %v", err)
	}
}

func TestChangeLogRetentionBound(t *testing.T) {
	log := NewChangeLog(ChangeLogConfig{Retention: 3})
	base := time.Unix(1700000000, 0).UTC()
	key := mustDocumentKey(t, "tenant-1", "doc-1")

	for version := int64(1); version <= 10; version++ {
		log.Append(key, changeAt(t, "doc-1", version, base))
	}

	entries := log.SinceVersion(key, 0)
	if len(entries) != 3 {
		t.Fatalf("expected retention to cap at 3 entries, got %d", len(entries))
	}
	if entries[0].ResultVersion != 8 || entries[2].ResultVersion != 10 {
		t.Fatalf("expected newest tail retained, got %#v", entries)
	}
}
