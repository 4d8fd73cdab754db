package collab

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("collab: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("collab: invalid tenant id")
	// ErrInvalidOperationKind indicates an operation kind outside the supported set.
	ErrInvalidOperationKind = errors.New("collab: invalid operation kind")
	// ErrInvalidOperation indicates an operation with negative position or length.
	ErrInvalidOperation = errors.New("collab: invalid operation")
	// ErrInvalidPresenceStatus indicates a presence status outside the supported set.
	ErrInvalidPresenceStatus = errors.New("collab: invalid presence status")
	// ErrInvalidComment indicates a comment missing required fields.
	ErrInvalidComment = errors.New("collab: invalid comment")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// DocumentKey identifies a document within its owning tenant. Document ids are
// only unique per tenant, so every in-memory structure keyed by document must
// key by this pair.
type DocumentKey struct {
	TenantID   TenantID
	DocumentID DocumentID
}

// Less orders keys by tenant, then document, for stable sweep output.
func (k DocumentKey) Less(other DocumentKey) bool {
	if k.TenantID != other.TenantID {
		return k.TenantID < other.TenantID
	}
	return k.DocumentID < other.DocumentID
}

// PresenceStatus enumerates the liveness states a participant can report.
type PresenceStatus string

const (
	PresenceStatusActive PresenceStatus = "active"
	PresenceStatusIdle   PresenceStatus = "idle"
	PresenceStatusAway   PresenceStatus = "away"
	PresenceStatusTyping PresenceStatus = "typing"
)

// ParsePresenceStatus validates a raw status value.
func ParsePresenceStatus(rawInput string) (PresenceStatus, error) {
	switch PresenceStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PresenceStatusActive:
		return PresenceStatusActive, nil
	case PresenceStatusIdle:
		return PresenceStatusIdle, nil
	case PresenceStatusAway:
		return PresenceStatusAway, nil
	case PresenceStatusTyping:
		return PresenceStatusTyping, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPresenceStatus, rawInput)
}

// CursorState captures a participant's caret and optional selection range in
// UTF-16 code units.
type CursorState struct {
	Position       int  `json:"position"`
	SelectionStart *int `json:"selection_start,omitempty"`
	SelectionEnd   *int `json:"selection_end,omitempty"`
}

// Presence is the last reported state for one participant on one document.
type Presence struct {
	UserID   UserID         `json:"user_id"`
	UserName string         `json:"user_name"`
	Status   PresenceStatus `json:"status"`
	Cursor   CursorState    `json:"cursor"`
	LastSeen time.Time      `json:"last_seen"`
}

// DocumentLock is the exclusive edit lease for a document.
type DocumentLock struct {
	DocumentID     DocumentID `json:"document_id"`
	HolderUserID   UserID     `json:"holder_user_id"`
	HolderUserName string     `json:"holder_user_name"`
	AcquiredAt     time.Time  `json:"acquired_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Expired reports whether the lease has passed its expiry at the given instant.
func (l DocumentLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// OperationKind enumerates supported edit operation kinds.
type OperationKind string

const (
	OperationInsert OperationKind = "insert"
	OperationDelete OperationKind = "delete"
	OperationRetain OperationKind = "retain"
	OperationFormat OperationKind = "format"
)

// ParseOperationKind validates a raw operation kind value.
func ParseOperationKind(rawInput string) (OperationKind, error) {
	switch OperationKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationInsert:
		return OperationInsert, nil
	case OperationDelete:
		return OperationDelete, nil
	case OperationRetain:
		return OperationRetain, nil
	case OperationFormat:
		return OperationFormat, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperationKind, rawInput)
}

// Operation is a client-submitted edit intent. Positions and lengths are
// UTF-16 code-unit offsets. Immutable once created; the engine returns a
// transformed copy rather than mutating the submitted value.
type Operation struct {
	ID               string         `json:"id"`
	DocumentID       DocumentID     `json:"document_id"`
	UserID           UserID         `json:"user_id"`
	Kind             OperationKind  `json:"kind"`
	Position         int            `json:"position"`
	Length           int            `json:"length,omitempty"`
	Content          string         `json:"content,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	BaseVersion      int64          `json:"base_version"`
	ClientTimeMillis int64          `json:"client_time_ms,omitempty"`
}

// Validate checks structural invariants that hold for every operation kind.
func (op Operation) Validate() error {
	if _, err := ParseOperationKind(string(op.Kind)); err != nil {
		return err
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}
	if op.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version %d", ErrInvalidOperation, op.BaseVersion)
	}
	if op.Kind == OperationInsert && op.Content == "" {
		return fmt.Errorf("%w: insert requires content", ErrInvalidOperation)
	}
	return nil
}

// AppliedChange is an operation after transformation, stamped with the version
// it produced and the server apply time.
type AppliedChange struct {
	Operation     Operation `json:"operation"`
	ResultVersion int64     `json:"result_version"`
	AppliedAt     time.Time `json:"applied_at"`
}

// Comment is one entry in a document's anchored comment tree.
type Comment struct {
	ID              string     `json:"id"`
	DocumentID      DocumentID `json:"document_id"`
	UserID          UserID     `json:"user_id"`
	UserName        string     `json:"user_name"`
	Content         string     `json:"content"`
	AnchorPosition  *int       `json:"anchor_position,omitempty"`
	AnchorLength    *int       `json:"anchor_length,omitempty"`
	ParentCommentID string     `json:"parent_comment_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	IsResolved      bool       `json:"is_resolved"`
	ResolvedBy      UserID     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// CommentNode is a comment with its replies nested beneath it.
type CommentNode struct {
	Comment Comment       `json:"comment"`
	Replies []CommentNode `json:"replies,omitempty"`
}
