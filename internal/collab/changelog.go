package collab

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultChangeLogRetention = 512

var (
	// ErrChangeLogGap indicates an append that would break the contiguous
	// version sequence for a document.
	ErrChangeLogGap = errors.New("collab: change log version gap")
)

// ChangeLogConfig bounds in-memory retention per document.
type ChangeLogConfig struct {
	Retention int
}

// ChangeLog is the ordered, queryable log of applied operations per document.
// Entries are keyed per tenant and document, strictly increasing by result
// version with no gaps above the compaction floor.
type ChangeLog struct {
	mu        sync.Mutex
	retention int
	entries   map[DocumentKey][]AppliedChange
}

// NewChangeLog constructs a log with sane defaults.
func NewChangeLog(cfg ChangeLogConfig) *ChangeLog {
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultChangeLogRetention
	}
	return &ChangeLog{
		retention: retention,
		entries:   make(map[DocumentKey][]AppliedChange),
	}
}

// Append records an applied change. The change must continue the document's
// version sequence exactly; anything else is a corrupted counter.
func (l *ChangeLog) Append(key DocumentKey, change AppliedChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[key]
	if len(entries) > 0 {
		lastVersion := entries[len(entries)-1].ResultVersion
		if change.ResultVersion != lastVersion+1 {
			return fmt.Errorf("%w: document %s in tenant %s has version %d, appending %d",
				ErrChangeLogGap, key.DocumentID, key.TenantID, lastVersion, change.ResultVersion)
		}
	}
	entries = append(entries, change)
	if len(entries) > l.retention {
		entries = entries[len(entries)-l.retention:]
	}
	l.entries[key] = entries
	return nil
}

// Since returns the changes applied at or after the given timestamp in apply
// order. Repeating the query from the same timestamp yields the same prefix
// plus anything appended since.
func (l *ChangeLog) Since(key DocumentKey, timestamp time.Time) []AppliedChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[key]
	result := make([]AppliedChange, 0)
	for _, entry := range entries {
		if !entry.AppliedAt.Before(timestamp) {
			result = append(result, entry)
		}
	}
	return result
}

// SinceVersion returns the changes with result version strictly greater than
// the given version, in apply order.
func (l *ChangeLog) SinceVersion(key DocumentKey, version int64) []AppliedChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[key]
	result := make([]AppliedChange, 0)
	for _, entry := range entries {
		if entry.ResultVersion > version {
			result = append(result, entry)
		}
	}
	return result
}

// Latest returns the most recent changes for a document, capped at limit, in
// apply order.
func (l *ChangeLog) Latest(key DocumentKey, limit int) []AppliedChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[key]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]AppliedChange, limit)
	copy(result, entries[len(entries)-limit:])
	return result
}

// Compact drops entries with result version at or below keepAfterVersion.
// Callers fold the dropped range into a durable snapshot first.
func (l *ChangeLog) Compact(key DocumentKey, keepAfterVersion int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[key]
	cut := 0
	for cut < len(entries) && entries[cut].ResultVersion <= keepAfterVersion {
		cut++
	}
	if cut == 0 {
		return
	}
	remaining := make([]AppliedChange, len(entries)-cut)
	copy(remaining, entries[cut:])
	if len(remaining) == 0 {
		delete(l.entries, key)
		return
	}
	l.entries[key] = remaining
}
