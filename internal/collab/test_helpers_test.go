package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustTenantID(t *testing.T, value string) TenantID {
	t.Helper()
	id, err := NewTenantID(value)
	if err != nil {
		t.Fatalf("unexpected tenant id error: %v", err)
	}
	return id
}

func mustDocumentKey(t *testing.T, tenant, document string) DocumentKey {
	t.Helper()
	return DocumentKey{TenantID: mustTenantID(t, tenant), DocumentID: mustDocumentID(t, document)}
}

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// memoryDocumentStore is a DocumentStore test double seeded per tenant+document.
type memoryDocumentStore struct {
	mu        sync.Mutex
	snapshots map[string]memorySnapshot
	audits    []ChangeAudit
}

type memorySnapshot struct {
	content string
	version int64
}

func newMemoryDocumentStore() *memoryDocumentStore {
	return &memoryDocumentStore{snapshots: make(map[string]memorySnapshot)}
}

func memoryStoreKey(tenantID TenantID, documentID DocumentID) string {
	return tenantID.String() + "/" + documentID.String()
}

func (s *memoryDocumentStore) seed(tenantID TenantID, documentID DocumentID, content string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[memoryStoreKey(tenantID, documentID)] = memorySnapshot{content: content, version: version}
}

func (s *memoryDocumentStore) LoadSnapshot(_ context.Context, tenantID TenantID, documentID DocumentID) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[memoryStoreKey(tenantID, documentID)]
	if !ok {
		return "", 0, ErrDocumentNotFound
	}
	return snapshot.content, snapshot.version, nil
}

func (s *memoryDocumentStore) SaveSnapshot(_ context.Context, tenantID TenantID, documentID DocumentID, content string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[memoryStoreKey(tenantID, documentID)] = memorySnapshot{content: content, version: version}
	return nil
}

func (s *memoryDocumentStore) AppendAudit(_ context.Context, tenantID TenantID, change AppliedChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ChangeAudit{
		ChangeID:      change.Operation.ID,
		TenantID:      tenantID.String(),
		DocumentID:    change.Operation.DocumentID.String(),
		ResultVersion: change.ResultVersion,
	})
	return nil
}

func (s *memoryDocumentStore) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

func newTestEngine(t *testing.T, store *memoryDocumentStore) (*Engine, *ChangeLog) {
	t.Helper()

	log := NewChangeLog(ChangeLogConfig{})
	engine, err := NewEngine(EngineConfig{
		Store:      store,
		Log:        log,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &sequenceIDGenerator{prefix: "op"},
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine, log
}

func isVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}
