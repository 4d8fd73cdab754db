package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidParent indicates a reply whose parent comment does not exist
	// on the same document.
	ErrInvalidParent = errors.New("collab: parent comment not found")
	// ErrCommentNotFound indicates an unknown comment identifier.
	ErrCommentNotFound = errors.New("collab: comment not found")
)

// CommentStore persists comment threads across process restarts.
type CommentStore interface {
	SaveComment(ctx context.Context, tenantID TenantID, comment Comment) error
	ListComments(ctx context.Context, tenantID TenantID, documentID DocumentID) ([]Comment, error)
}

// CommentManagerConfig configures the thread manager.
type CommentManagerConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Store      CommentStore
	Logger     *zap.Logger
}

// CommentManager keeps anchored, threaded comments per tenant and document.
// The in-memory tree is authoritative while a document is active; writes flow
// through the store so threads survive restarts.
type CommentManager struct {
	mu         sync.Mutex
	clock      func() time.Time
	idProvider IDProvider
	store      CommentStore
	logger     *zap.Logger
	byDocument map[DocumentKey]map[string]Comment
	documents  map[string]DocumentKey
	hydrated   map[DocumentKey]bool
}

// NewCommentManager constructs a manager with sane defaults.
func NewCommentManager(cfg CommentManagerConfig) (*CommentManager, error) {
	if cfg.IDProvider == nil {
		return nil, errors.New("collab: comment manager requires an id provider")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommentManager{
		clock:      clock,
		idProvider: cfg.IDProvider,
		store:      cfg.Store,
		logger:     logger,
		byDocument: make(map[DocumentKey]map[string]Comment),
		documents:  make(map[string]DocumentKey),
		hydrated:   make(map[DocumentKey]bool),
	}, nil
}

// Add stamps and stores a new comment. Replies are rejected with
// ErrInvalidParent when the parent is absent from the same tenant's document.
func (m *CommentManager) Add(ctx context.Context, tenantID TenantID, comment Comment) (Comment, error) {
	if strings.TrimSpace(comment.Content) == "" {
		return Comment{}, fmt.Errorf("%w: empty content", ErrInvalidComment)
	}
	if comment.UserID == "" || comment.DocumentID == "" {
		return Comment{}, fmt.Errorf("%w: missing user or document", ErrInvalidComment)
	}
	key := DocumentKey{TenantID: tenantID, DocumentID: comment.DocumentID}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hydrateLocked(ctx, key)

	entries := m.byDocument[key]
	if entries == nil {
		entries = make(map[string]Comment)
		m.byDocument[key] = entries
	}

	if comment.ParentCommentID != "" {
		if _, ok := entries[comment.ParentCommentID]; !ok {
			return Comment{}, fmt.Errorf("%w: %s", ErrInvalidParent, comment.ParentCommentID)
		}
	}

	commentID, err := m.idProvider.NewID()
	if err != nil {
		return Comment{}, err
	}
	comment.ID = commentID
	comment.CreatedAt = m.clock().UTC()
	comment.IsResolved = false
	comment.ResolvedBy = ""
	comment.ResolvedAt = nil

	entries[comment.ID] = comment
	m.documents[comment.ID] = key
	m.persistLocked(ctx, key.TenantID, comment)
	return comment, nil
}

// Resolve marks a comment resolved. Resolving an already-resolved comment is
// a no-op returning the current state.
func (m *CommentManager) Resolve(ctx context.Context, commentID string, resolvingUserID UserID) (Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.documents[commentID]
	if !ok {
		return Comment{}, fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}
	comment := m.byDocument[key][commentID]
	if comment.IsResolved {
		return comment, nil
	}

	resolvedAt := m.clock().UTC()
	comment.IsResolved = true
	comment.ResolvedBy = resolvingUserID
	comment.ResolvedAt = &resolvedAt
	m.byDocument[key][commentID] = comment
	m.persistLocked(ctx, key.TenantID, comment)
	return comment, nil
}

// DocumentFor reports which tenant's document a comment belongs to.
func (m *CommentManager) DocumentFor(commentID string) (DocumentKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.documents[commentID]
	return key, ok
}

// List returns the document's comments as a tree ordered by creation time,
// replies nested beneath their parents.
func (m *CommentManager) List(ctx context.Context, key DocumentKey) []CommentNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hydrateLocked(ctx, key)

	entries := m.byDocument[key]
	ordered := make([]Comment, 0, len(entries))
	for _, comment := range entries {
		ordered = append(ordered, comment)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	children := make(map[string][]Comment)
	roots := make([]Comment, 0, len(ordered))
	for _, comment := range ordered {
		if comment.ParentCommentID == "" {
			roots = append(roots, comment)
			continue
		}
		if _, ok := entries[comment.ParentCommentID]; ok {
			children[comment.ParentCommentID] = append(children[comment.ParentCommentID], comment)
		}
	}

	var build func(comment Comment) CommentNode
	build = func(comment Comment) CommentNode {
		node := CommentNode{Comment: comment}
		for _, reply := range children[comment.ID] {
			node.Replies = append(node.Replies, build(reply))
		}
		return node
	}

	tree := make([]CommentNode, 0, len(roots))
	for _, root := range roots {
		tree = append(tree, build(root))
	}
	return tree
}

func (m *CommentManager) hydrateLocked(ctx context.Context, key DocumentKey) {
	if m.store == nil || m.hydrated[key] {
		return
	}
	m.hydrated[key] = true

	stored, err := m.store.ListComments(ctx, key.TenantID, key.DocumentID)
	if err != nil {
		m.logger.Warn("comment hydration failed",
			zap.String("document_id", key.DocumentID.String()), zap.Error(err))
		return
	}
	entries := m.byDocument[key]
	if entries == nil {
		entries = make(map[string]Comment)
		m.byDocument[key] = entries
	}
	for _, comment := range stored {
		if _, ok := entries[comment.ID]; ok {
			continue
		}
		entries[comment.ID] = comment
		m.documents[comment.ID] = key
	}
}

func (m *CommentManager) persistLocked(ctx context.Context, tenantID TenantID, comment Comment) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveComment(ctx, tenantID, comment); err != nil {
		m.logger.Warn("comment persist failed",
			zap.String("comment_id", comment.ID),
			zap.String("document_id", comment.DocumentID.String()),
			zap.Error(err))
	}
}
