package server

import (
	"encoding/json"

	"github.com/CorvidWorks/quillsync/backend/internal/collab"
)

// Inbound message types form a closed set; anything else is rejected with
// ErrorCodeInvalidMessage rather than dispatched dynamically.
const (
	MessageJoinDocument    = "join_document"
	MessageLeaveDocument   = "leave_document"
	MessageRequestLock     = "request_lock"
	MessageReleaseLock     = "release_lock"
	MessageUpdatePresence  = "update_presence"
	MessageSubmitOperation = "submit_operation"
	MessageAddComment      = "add_comment"
	MessageResolveComment  = "resolve_comment"
	MessageGetChangesSince = "get_changes_since"
)

// Outbound message types, both direct responses and room broadcasts.
const (
	MessageSnapshot         = "snapshot"
	MessageAck              = "ack"
	MessageError            = "error"
	MessageChanges          = "changes"
	MessageComment          = "comment"
	MessageUserJoined       = "user_joined"
	MessageUserLeft         = "user_left"
	MessageDocumentLocked   = "document_locked"
	MessageLockDenied       = "lock_denied"
	MessageDocumentUnlocked = "document_unlocked"
	MessagePresenceUpdate   = "presence_update"
	MessageOperationApplied = "operation_applied"
	MessageNewComment       = "new_comment"
	MessageCommentResolved  = "comment_resolved"
)

// Error codes surfaced to the caller. NotFound covers unknown and cross-tenant
// documents alike. Lock denial is not an error code; it travels as the
// lock_denied message type.
const (
	ErrorCodeNotFound         = "not_found"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeVersionConflict  = "version_conflict"
	ErrorCodeInvalidParent    = "invalid_parent"
	ErrorCodeInvalidOperation = "invalid_operation"
	ErrorCodeInvalidMessage   = "invalid_message"
)

// ClientMessage is the inbound envelope. Payload shape depends on Type.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the outbound envelope for responses and broadcasts.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type documentPayload struct {
	DocumentID string `json:"document_id"`
}

type updatePresencePayload struct {
	DocumentID string             `json:"document_id"`
	Status     string             `json:"status"`
	Cursor     collab.CursorState `json:"cursor"`
}

type submitOperationPayload struct {
	DocumentID       string         `json:"document_id"`
	Kind             string         `json:"kind"`
	Position         int            `json:"position"`
	Length           int            `json:"length,omitempty"`
	Content          string         `json:"content,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	BaseVersion      int64          `json:"base_version"`
	ClientTimeMillis int64          `json:"client_time_ms,omitempty"`
}

type addCommentPayload struct {
	DocumentID      string `json:"document_id"`
	Content         string `json:"content"`
	AnchorPosition  *int   `json:"anchor_position,omitempty"`
	AnchorLength    *int   `json:"anchor_length,omitempty"`
	ParentCommentID string `json:"parent_comment_id,omitempty"`
}

type resolveCommentPayload struct {
	CommentID string `json:"comment_id"`
}

type changesSincePayload struct {
	DocumentID  string `json:"document_id"`
	SinceMillis int64  `json:"since_ms"`
}

type snapshotPayload struct {
	DocumentID    string                 `json:"document_id"`
	Content       string                 `json:"content"`
	Version       int64                  `json:"version"`
	ActiveUsers   []collab.Presence      `json:"active_users"`
	Lock          *collab.DocumentLock   `json:"lock,omitempty"`
	RecentChanges []collab.AppliedChange `json:"recent_changes"`
}

type ackPayload struct {
	Request    string `json:"request"`
	DocumentID string `json:"document_id,omitempty"`
}

type errorPayload struct {
	Code           string `json:"code"`
	Request        string `json:"request,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	CurrentVersion int64  `json:"current_version,omitempty"`
	BaseVersion    int64  `json:"base_version,omitempty"`
}

type lockPayload struct {
	Lock collab.DocumentLock `json:"lock"`
}

type unlockPayload struct {
	DocumentID string `json:"document_id"`
}

type userJoinedPayload struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
}

type userLeftPayload struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

type presencePayload struct {
	DocumentID string          `json:"document_id"`
	Presence   collab.Presence `json:"presence"`
}

type operationAppliedPayload struct {
	DocumentID string               `json:"document_id"`
	Change     collab.AppliedChange `json:"change"`
}

type commentPayload struct {
	Comment collab.Comment `json:"comment"`
}

type changesPayload struct {
	DocumentID string                 `json:"document_id"`
	Changes    []collab.AppliedChange `json:"changes"`
}

func errorMessage(code, request string) ServerMessage {
	return ServerMessage{Type: MessageError, Payload: errorPayload{Code: code, Request: request}}
}
