package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"
)

const defaultCompactThreshold = 64

var (
	errMissingStore      = errors.New("collab: document store is required")
	errMissingChangeLog  = errors.New("collab: change log is required")
	errMissingIDProvider = errors.New("collab: id provider is required")
)

// VersionConflictError reports a submission whose base version cannot be
// reconciled with the authoritative counter. The client resyncs from the
// latest snapshot plus change-log tail and resubmits.
type VersionConflictError struct {
	DocumentID     DocumentID
	BaseVersion    int64
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("collab: version conflict on %s: base %d, current %d",
		e.DocumentID, e.BaseVersion, e.CurrentVersion)
}

// EngineConfig configures the operational transform engine.
type EngineConfig struct {
	Store            DocumentStore
	Log              *ChangeLog
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	CompactThreshold int64
}

// Engine serializes every operation for a document through one mutex-guarded
// state, transforming stale submissions against the applied history so all
// subscribers converge on the same content. Documents proceed fully in
// parallel; no cross-document lock is ever taken.
type Engine struct {
	store            DocumentStore
	log              *ChangeLog
	clock            func() time.Time
	idProvider       IDProvider
	logger           *zap.Logger
	compactThreshold int64

	mu     sync.Mutex
	states map[DocumentKey]*documentState
}

// documentState is a document's serialization point. Content is held as
// UTF-16 code units to match the offset convention of the operations.
type documentState struct {
	mu              sync.Mutex
	content         []uint16
	version         int64
	snapshotVersion int64
}

// NewEngine constructs an engine with sane defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Log == nil {
		return nil, errMissingChangeLog
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	compactThreshold := cfg.CompactThreshold
	if compactThreshold <= 0 {
		compactThreshold = defaultCompactThreshold
	}
	return &Engine{
		store:            cfg.Store,
		log:              cfg.Log,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		compactThreshold: compactThreshold,
		states:           make(map[DocumentKey]*documentState),
	}, nil
}

// Submit validates, transforms and applies one operation. Accepted operations
// increment the version counter by exactly one and are appended to the change
// log before the call returns.
func (e *Engine) Submit(ctx context.Context, tenantID TenantID, operation Operation) (AppliedChange, error) {
	if err := operation.Validate(); err != nil {
		return AppliedChange{}, err
	}

	key := DocumentKey{TenantID: tenantID, DocumentID: operation.DocumentID}
	state, err := e.state(ctx, key)
	if err != nil {
		return AppliedChange{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if operation.BaseVersion > state.version {
		return AppliedChange{}, &VersionConflictError{
			DocumentID:     operation.DocumentID,
			BaseVersion:    operation.BaseVersion,
			CurrentVersion: state.version,
		}
	}

	if operation.BaseVersion < state.version {
		missed := e.log.SinceVersion(key, operation.BaseVersion)
		if int64(len(missed)) != state.version-operation.BaseVersion {
			// The gap predates compaction; the client is too far behind to
			// transform and must resync from the durable snapshot.
			return AppliedChange{}, &VersionConflictError{
				DocumentID:     operation.DocumentID,
				BaseVersion:    operation.BaseVersion,
				CurrentVersion: state.version,
			}
		}
		if !withinBaseBounds(operation, baseContentLength(state.content, missed)) {
			// The range references content the client never saw at its base
			// version; transforming it would silently invent intent.
			return AppliedChange{}, &VersionConflictError{
				DocumentID:     operation.DocumentID,
				BaseVersion:    operation.BaseVersion,
				CurrentVersion: state.version,
			}
		}
		for _, applied := range missed {
			operation = transformAgainst(operation, applied)
		}
	}

	if operation.ID == "" {
		operationID, idErr := e.idProvider.NewID()
		if idErr != nil {
			return AppliedChange{}, idErr
		}
		operation.ID = operationID
	}
	appliedAt := e.clock().UTC()
	if operation.ClientTimeMillis == 0 {
		operation.ClientTimeMillis = appliedAt.UnixMilli()
	}

	operation = clampToContent(operation, len(state.content))
	state.content = applyToContent(state.content, operation)
	state.version++

	change := AppliedChange{
		Operation:     operation,
		ResultVersion: state.version,
		AppliedAt:     appliedAt,
	}
	if err := e.log.Append(key, change); err != nil {
		// A broken version sequence means the counter is corrupted. Drop the
		// state so the next submission restarts from the durable snapshot.
		e.logger.Error("change log append failed, restarting document state",
			zap.String("tenant_id", tenantID.String()),
			zap.String("document_id", operation.DocumentID.String()),
			zap.Error(err))
		e.dropState(key)
		return AppliedChange{}, &VersionConflictError{
			DocumentID:     operation.DocumentID,
			BaseVersion:    operation.BaseVersion,
			CurrentVersion: state.version,
		}
	}

	if err := e.store.AppendAudit(ctx, tenantID, change); err != nil {
		e.logger.Warn("audit append failed",
			zap.String("document_id", operation.DocumentID.String()),
			zap.Error(err))
	}

	if state.version-state.snapshotVersion >= e.compactThreshold {
		e.compactLocked(ctx, key, state)
	}

	return change, nil
}

// SnapshotInfo is the authoritative state handed to a joining client.
type SnapshotInfo struct {
	DocumentID DocumentID
	Content    string
	Version    int64
}

// Snapshot returns the current content and version for a document. Unknown or
// cross-tenant documents resolve to ErrDocumentNotFound.
func (e *Engine) Snapshot(ctx context.Context, tenantID TenantID, documentID DocumentID) (SnapshotInfo, error) {
	state, err := e.state(ctx, DocumentKey{TenantID: tenantID, DocumentID: documentID})
	if err != nil {
		return SnapshotInfo{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return SnapshotInfo{
		DocumentID: documentID,
		Content:    string(utf16.Decode(state.content)),
		Version:    state.version,
	}, nil
}

// Checkpoint persists the current content and version through the store and
// compacts the change log behind it.
func (e *Engine) Checkpoint(ctx context.Context, tenantID TenantID, documentID DocumentID) error {
	key := DocumentKey{TenantID: tenantID, DocumentID: documentID}
	state, err := e.state(ctx, key)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	e.compactLocked(ctx, key, state)
	return nil
}

func (e *Engine) compactLocked(ctx context.Context, key DocumentKey, state *documentState) {
	content := string(utf16.Decode(state.content))
	if err := e.store.SaveSnapshot(ctx, key.TenantID, key.DocumentID, content, state.version); err != nil {
		e.logger.Warn("snapshot save failed",
			zap.String("document_id", key.DocumentID.String()),
			zap.Error(err))
		return
	}
	state.snapshotVersion = state.version
	e.log.Compact(key, state.version-e.compactThreshold)
}

// state returns the serialization point for a document, loading it from the
// durable snapshot on first touch.
func (e *Engine) state(ctx context.Context, key DocumentKey) (*documentState, error) {
	e.mu.Lock()
	if existing, ok := e.states[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.mu.Unlock()

	content, version, err := e.store.LoadSnapshot(ctx, key.TenantID, key.DocumentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.states[key]; ok {
		return existing, nil
	}
	loaded := &documentState{
		content:         utf16.Encode([]rune(content)),
		version:         version,
		snapshotVersion: version,
	}
	e.states[key] = loaded
	return loaded, nil
}

func (e *Engine) dropState(key DocumentKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, key)
}

// baseContentLength rewinds the current content length through the missed
// changes to recover the document length at the submission's base version.
func baseContentLength(content []uint16, missed []AppliedChange) int {
	length := len(content)
	for i := len(missed) - 1; i >= 0; i-- {
		switch missed[i].Operation.Kind {
		case OperationInsert:
			length -= utf16Length(missed[i].Operation.Content)
		case OperationDelete:
			length += missed[i].Operation.Length
		}
	}
	return length
}

func withinBaseBounds(operation Operation, baseLength int) bool {
	if operation.Kind == OperationInsert {
		return true
	}
	return operation.Position+operation.Length <= baseLength
}

// clampToContent keeps minor client drift from failing a submission: positions
// clamp to [0, length] and delete ranges to the available suffix.
func clampToContent(operation Operation, contentLength int) Operation {
	if operation.Position > contentLength {
		operation.Position = contentLength
	}
	if operation.Position < 0 {
		operation.Position = 0
	}
	if operation.Kind != OperationInsert && operation.Position+operation.Length > contentLength {
		operation.Length = contentLength - operation.Position
	}
	if operation.Length < 0 {
		operation.Length = 0
	}
	return operation
}

func applyToContent(content []uint16, operation Operation) []uint16 {
	switch operation.Kind {
	case OperationInsert:
		inserted := utf16.Encode([]rune(operation.Content))
		updated := make([]uint16, 0, len(content)+len(inserted))
		updated = append(updated, content[:operation.Position]...)
		updated = append(updated, inserted...)
		updated = append(updated, content[operation.Position:]...)
		return updated
	case OperationDelete:
		updated := make([]uint16, 0, len(content)-operation.Length)
		updated = append(updated, content[:operation.Position]...)
		updated = append(updated, content[operation.Position+operation.Length:]...)
		return updated
	}
	// Retain and format leave content untouched; format attributes merge
	// last-writer-wins downstream of the log.
	return content
}
