package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDocumentNotFound covers unknown document ids and cross-tenant ids
	// alike, so existence never leaks across tenants.
	ErrDocumentNotFound = errors.New("collab: document not found")

	errStoreMissingDatabase = errors.New("database handle is required")
)

const (
	opStoreNew          = "collab.store.new"
	opLoadSnapshot      = "collab.store.load_snapshot"
	opSaveSnapshot      = "collab.store.save_snapshot"
	opAppendAudit       = "collab.store.append_audit"
	opSaveComment       = "collab.store.save_comment"
	opListComments      = "collab.store.list_comments"
	opCreateDocument    = "collab.store.create_document"
	reasonQueryFailed   = "query_failed"
	reasonEncodeFailed  = "encode_failed"
	reasonUpsertFailed  = "upsert_failed"
	reasonInsertFailed  = "insert_failed"
	reasonMissingHandle = "missing_database"
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DocumentStore is the durable collaborator holding full document snapshots
// and the append-only audit history.
type DocumentStore interface {
	LoadSnapshot(ctx context.Context, tenantID TenantID, documentID DocumentID) (string, int64, error)
	SaveSnapshot(ctx context.Context, tenantID TenantID, documentID DocumentID, content string, version int64) error
	AppendAudit(ctx context.Context, tenantID TenantID, change AppliedChange) error
}

// DocumentSnapshot is the persisted full content of a document at a version.
type DocumentSnapshot struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// ChangeAudit captures one applied operation in the durable history.
type ChangeAudit struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null;index:idx_audit_doc_version,priority:1"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_audit_doc_version,priority:2"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Kind             string `gorm:"column:kind;size:16;not null"`
	Position         int    `gorm:"column:position;not null"`
	Length           int    `gorm:"column:length;not null;default:0"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	AttributesJSON   string `gorm:"column:attributes_json;type:text;not null;default:''"`
	BaseVersion      int64  `gorm:"column:base_version;not null"`
	ResultVersion    int64  `gorm:"column:result_version;not null;index:idx_audit_doc_version,priority:3"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
	ClientTimeMillis int64  `gorm:"column:client_time_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeAudit) TableName() string {
	return "change_audits"
}

// CommentRecord is the persisted form of a thread comment.
type CommentRecord struct {
	CommentID         string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	TenantID          string `gorm:"column:tenant_id;size:190;not null;index:idx_comments_doc_created,priority:1"`
	DocumentID        string `gorm:"column:document_id;size:190;not null;index:idx_comments_doc_created,priority:2"`
	UserID            string `gorm:"column:user_id;size:190;not null"`
	UserName          string `gorm:"column:user_name;size:190;not null;default:''"`
	Content           string `gorm:"column:content;type:text;not null"`
	AnchorPosition    *int   `gorm:"column:anchor_position"`
	AnchorLength      *int   `gorm:"column:anchor_length"`
	ParentCommentID   string `gorm:"column:parent_comment_id;size:190;not null;default:''"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null;index:idx_comments_doc_created,priority:3"`
	IsResolved        bool   `gorm:"column:is_resolved;not null;default:false"`
	ResolvedBy        string `gorm:"column:resolved_by;size:190;not null;default:''"`
	ResolvedAtSeconds *int64 `gorm:"column:resolved_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (CommentRecord) TableName() string {
	return "document_comments"
}

// StoreConfig configures the gorm-backed store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists snapshots, audit history and comments through GORM.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store with sane defaults.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingHandle, errStoreMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateDocument seeds an empty snapshot at version 0. Existing documents are
// left untouched.
func (s *Store) CreateDocument(ctx context.Context, tenantID TenantID, documentID DocumentID, content string) error {
	snapshot := DocumentSnapshot{
		TenantID:         tenantID.String(),
		DocumentID:       documentID.String(),
		Content:          content,
		Version:          0,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&snapshot)
	if result.Error != nil {
		return newStoreError(opCreateDocument, reasonInsertFailed, result.Error)
	}
	return nil
}

// LoadSnapshot returns the stored content and version. Cross-tenant lookups
// surface the same ErrDocumentNotFound as absent documents.
func (s *Store) LoadSnapshot(ctx context.Context, tenantID TenantID, documentID DocumentID) (string, int64, error) {
	var snapshot DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID.String(), documentID.String()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, ErrDocumentNotFound
	}
	if err != nil {
		return "", 0, newStoreError(opLoadSnapshot, reasonQueryFailed, err)
	}
	return snapshot.Content, snapshot.Version, nil
}

// SaveSnapshot upserts the document's durable content and version.
func (s *Store) SaveSnapshot(ctx context.Context, tenantID TenantID, documentID DocumentID, content string, version int64) error {
	snapshot := DocumentSnapshot{
		TenantID:         tenantID.String(),
		DocumentID:       documentID.String(),
		Content:          content,
		Version:          version,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "document_id"}},
		UpdateAll: true,
	}).Create(&snapshot).Error
	if err != nil {
		return newStoreError(opSaveSnapshot, reasonUpsertFailed, err)
	}
	return nil
}

// AppendAudit records one applied change in the durable history.
func (s *Store) AppendAudit(ctx context.Context, tenantID TenantID, change AppliedChange) error {
	attributesJSON := ""
	if len(change.Operation.Attributes) > 0 {
		encoded, err := json.Marshal(change.Operation.Attributes)
		if err != nil {
			return newStoreError(opAppendAudit, reasonEncodeFailed, err)
		}
		attributesJSON = string(encoded)
	}

	record := ChangeAudit{
		ChangeID:         change.Operation.ID,
		TenantID:         tenantID.String(),
		DocumentID:       change.Operation.DocumentID.String(),
		UserID:           change.Operation.UserID.String(),
		Kind:             string(change.Operation.Kind),
		Position:         change.Operation.Position,
		Length:           change.Operation.Length,
		Content:          change.Operation.Content,
		AttributesJSON:   attributesJSON,
		BaseVersion:      change.Operation.BaseVersion,
		ResultVersion:    change.ResultVersion,
		AppliedAtSeconds: change.AppliedAt.Unix(),
		ClientTimeMillis: change.Operation.ClientTimeMillis,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return newStoreError(opAppendAudit, reasonInsertFailed, err)
	}
	return nil
}

// SaveComment upserts one comment record.
func (s *Store) SaveComment(ctx context.Context, tenantID TenantID, comment Comment) error {
	record := CommentRecord{
		CommentID:        comment.ID,
		TenantID:         tenantID.String(),
		DocumentID:       comment.DocumentID.String(),
		UserID:           comment.UserID.String(),
		UserName:         comment.UserName,
		Content:          comment.Content,
		AnchorPosition:   comment.AnchorPosition,
		AnchorLength:     comment.AnchorLength,
		ParentCommentID:  comment.ParentCommentID,
		CreatedAtSeconds: comment.CreatedAt.Unix(),
		IsResolved:       comment.IsResolved,
		ResolvedBy:       comment.ResolvedBy.String(),
	}
	if comment.ResolvedAt != nil {
		resolvedAt := comment.ResolvedAt.Unix()
		record.ResolvedAtSeconds = &resolvedAt
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "comment_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return newStoreError(opSaveComment, reasonUpsertFailed, err)
	}
	return nil
}

// ListComments returns the persisted comments for a tenant's document in
// creation order.
func (s *Store) ListComments(ctx context.Context, tenantID TenantID, documentID DocumentID) ([]Comment, error) {
	var records []CommentRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND document_id = ?", tenantID.String(), documentID.String()).
		Order("created_at_s ASC, comment_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opListComments, reasonQueryFailed, err)
	}

	comments := make([]Comment, 0, len(records))
	for _, record := range records {
		comment := Comment{
			ID:              record.CommentID,
			DocumentID:      DocumentID(record.DocumentID),
			UserID:          UserID(record.UserID),
			UserName:        record.UserName,
			Content:         record.Content,
			AnchorPosition:  record.AnchorPosition,
			AnchorLength:    record.AnchorLength,
			ParentCommentID: record.ParentCommentID,
			CreatedAt:       time.Unix(record.CreatedAtSeconds, 0).UTC(),
			IsResolved:      record.IsResolved,
			ResolvedBy:      UserID(record.ResolvedBy),
		}
		if record.ResolvedAtSeconds != nil {
			resolvedAt := time.Unix(*record.ResolvedAtSeconds, 0).UTC()
			comment.ResolvedAt = &resolvedAt
		}
		comments = append(comments, comment)
	}
	return comments, nil
}
