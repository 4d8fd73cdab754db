package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CorvidWorks/quillsync/backend/internal/auth"
	"github.com/CorvidWorks/quillsync/backend/internal/collab"
)

const (
	defaultSweepInterval  = 15 * time.Second
	defaultOutboundBuffer = 64
	recentChangesLimit    = 32
)

var (
	errMissingEngine     = errors.New("gateway: engine required")
	errMissingPresence   = errors.New("gateway: presence tracker required")
	errMissingLocks      = errors.New("gateway: lock manager required")
	errMissingLog        = errors.New("gateway: change log required")
	errMissingComments   = errors.New("gateway: comment manager required")
	errMissingDispatcher = errors.New("gateway: dispatcher required")
)

// GatewayConfig wires the collaboration core into the session protocol.
type GatewayConfig struct {
	Engine        *collab.Engine
	Presence      *collab.PresenceTracker
	Locks         *collab.LockManager
	Log           *collab.ChangeLog
	Comments      *collab.CommentManager
	Dispatcher    *Dispatcher
	Logger        *zap.Logger
	Clock         func() time.Time
	SweepInterval time.Duration
}

// Gateway maps inbound session messages onto the collaboration core and fans
// results out to document subscribers. It owns the only cross-cutting state in
// the system: which documents each connection has joined, so disconnect
// cleanup is deterministic.
type Gateway struct {
	engine        *collab.Engine
	presence      *collab.PresenceTracker
	locks         *collab.LockManager
	log           *collab.ChangeLog
	comments      *collab.CommentManager
	dispatcher    *Dispatcher
	logger        *zap.Logger
	clock         func() time.Time
	sweepInterval time.Duration
}

// Session is the per-connection state. One session per live connection; a
// session may join any number of documents within its tenant.
type Session struct {
	identity auth.Identity
	tenantID collab.TenantID
	userID   collab.UserID
	outbound chan ServerMessage

	mu            sync.Mutex
	subscriptions map[collab.DocumentID]int64
}

// Outbound is the session's response and broadcast stream, consumed by the
// transport's write loop.
func (s *Session) Outbound() <-chan ServerMessage {
	return s.outbound
}

// UserID returns the authenticated user behind this session.
func (s *Session) UserID() collab.UserID {
	return s.userID
}

// key qualifies a document id with the session's tenant; every call into the
// collaboration core and the dispatcher routes through it.
func (s *Session) key(documentID collab.DocumentID) collab.DocumentKey {
	return collab.DocumentKey{TenantID: s.tenantID, DocumentID: documentID}
}

func (s *Session) subscriptionFor(documentID collab.DocumentID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscriptionID, ok := s.subscriptions[documentID]
	return subscriptionID, ok
}

func (s *Session) setSubscription(documentID collab.DocumentID, subscriptionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[documentID] = subscriptionID
}

func (s *Session) clearSubscription(documentID collab.DocumentID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscriptionID, ok := s.subscriptions[documentID]
	if ok {
		delete(s.subscriptions, documentID)
	}
	return subscriptionID, ok
}

func (s *Session) drainSubscriptions() map[collab.DocumentID]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.subscriptions
	s.subscriptions = make(map[collab.DocumentID]int64)
	return drained
}

// enqueue pushes a direct response without blocking; a full stream drops the
// message, mirroring broadcast semantics.
func (s *Session) enqueue(message ServerMessage) {
	select {
	case s.outbound <- message:
	default:
	}
}

// NewGateway constructs a gateway with sane defaults.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	if cfg.Comments == nil {
		return nil, errMissingComments
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Gateway{
		engine:        cfg.Engine,
		presence:      cfg.Presence,
		locks:         cfg.Locks,
		log:           cfg.Log,
		comments:      cfg.Comments,
		dispatcher:    cfg.Dispatcher,
		logger:        logger,
		clock:         clock,
		sweepInterval: sweepInterval,
	}, nil
}

// Connect opens a session for an authenticated identity.
func (g *Gateway) Connect(identity auth.Identity) (*Session, error) {
	tenantID, err := collab.NewTenantID(identity.TenantID)
	if err != nil {
		return nil, err
	}
	userID, err := collab.NewUserID(identity.UserID)
	if err != nil {
		return nil, err
	}
	return &Session{
		identity:      identity,
		tenantID:      tenantID,
		userID:        userID,
		outbound:      make(chan ServerMessage, defaultOutboundBuffer),
		subscriptions: make(map[collab.DocumentID]int64),
	}, nil
}

// HandleMessage dispatches one inbound message for the session. Responses and
// broadcasts are enqueued; the call itself never blocks on the transport.
func (g *Gateway) HandleMessage(ctx context.Context, session *Session, message ClientMessage) {
	switch message.Type {
	case MessageJoinDocument:
		g.handleJoin(ctx, session, message)
	case MessageLeaveDocument:
		g.handleLeave(session, message)
	case MessageRequestLock:
		g.handleRequestLock(session, message)
	case MessageReleaseLock:
		g.handleReleaseLock(session, message)
	case MessageUpdatePresence:
		g.handleUpdatePresence(session, message)
	case MessageSubmitOperation:
		g.handleSubmitOperation(ctx, session, message)
	case MessageAddComment:
		g.handleAddComment(ctx, session, message)
	case MessageResolveComment:
		g.handleResolveComment(ctx, session, message)
	case MessageGetChangesSince:
		g.handleChangesSince(session, message)
	default:
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
	}
}

// Disconnect tears the session down: every joined document loses this user's
// presence and any lock it held, and remaining subscribers hear about it. A
// socket drop is a normal lifecycle event here, not a failure.
func (g *Gateway) Disconnect(session *Session) {
	for documentID, subscriptionID := range session.drainSubscriptions() {
		key := session.key(documentID)
		g.dispatcher.Unsubscribe(key, subscriptionID)
		g.presence.Leave(key, session.userID)
		if g.locks.ReleaseLock(key, session.userID) {
			g.dispatcher.Publish(key, ServerMessage{
				Type:    MessageDocumentUnlocked,
				Payload: unlockPayload{DocumentID: documentID.String()},
			}, 0)
		}
		g.dispatcher.Publish(key, ServerMessage{
			Type:    MessageUserLeft,
			Payload: userLeftPayload{DocumentID: documentID.String(), UserID: session.userID.String()},
		}, 0)
	}
}

// RunSweeper evicts stale presence entries and expired locks on the configured
// interval, broadcasting the implied leave and unlock events. Blocks until the
// context is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

func (g *Gateway) sweepOnce() {
	now := g.clock().UTC()
	for key, userIDs := range g.presence.Sweep(now) {
		if g.dispatcher.Subscribers(key) == 0 {
			continue
		}
		for _, userID := range userIDs {
			g.dispatcher.Publish(key, ServerMessage{
				Type:    MessageUserLeft,
				Payload: userLeftPayload{DocumentID: key.DocumentID.String(), UserID: userID.String()},
			}, 0)
		}
	}
	for _, key := range g.locks.ForceExpire(now) {
		if g.dispatcher.Subscribers(key) == 0 {
			continue
		}
		g.dispatcher.Publish(key, ServerMessage{
			Type:    MessageDocumentUnlocked,
			Payload: unlockPayload{DocumentID: key.DocumentID.String()},
		}, 0)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, session *Session, message ClientMessage) {
	documentID, ok := decodeDocumentID(session, message)
	if !ok {
		return
	}

	snapshot, err := g.engine.Snapshot(ctx, session.tenantID, documentID)
	if err != nil {
		g.replyError(session, err, message.Type)
		return
	}

	key := session.key(documentID)
	activeUsers := g.presence.Join(key, session.userID, session.identity.DisplayName)
	recent := g.log.Latest(key, recentChangesLimit)
	payload := snapshotPayload{
		DocumentID:    documentID.String(),
		Content:       snapshot.Content,
		Version:       snapshot.Version,
		ActiveUsers:   activeUsers,
		RecentChanges: recent,
	}
	if lock, held := g.locks.Status(key, g.clock().UTC()); held {
		payload.Lock = &lock
	}

	if _, joined := session.subscriptionFor(documentID); !joined {
		subscriptionID := g.dispatcher.Subscribe(key, session.outbound)
		session.setSubscription(documentID, subscriptionID)
	}
	session.enqueue(ServerMessage{Type: MessageSnapshot, Payload: payload})

	subscriptionID, _ := session.subscriptionFor(documentID)
	g.dispatcher.Publish(key, ServerMessage{
		Type: MessageUserJoined,
		Payload: userJoinedPayload{
			DocumentID: documentID.String(),
			UserID:     session.userID.String(),
			UserName:   session.identity.DisplayName,
		},
	}, subscriptionID)
}

func (g *Gateway) handleLeave(session *Session, message ClientMessage) {
	documentID, ok := decodeDocumentID(session, message)
	if !ok {
		return
	}

	key := session.key(documentID)
	subscriptionID, joined := session.clearSubscription(documentID)
	if joined {
		g.dispatcher.Unsubscribe(key, subscriptionID)
	}
	g.presence.Leave(key, session.userID)
	session.enqueue(ServerMessage{Type: MessageAck, Payload: ackPayload{Request: message.Type, DocumentID: documentID.String()}})
	g.dispatcher.Publish(key, ServerMessage{
		Type:    MessageUserLeft,
		Payload: userLeftPayload{DocumentID: documentID.String(), UserID: session.userID.String()},
	}, 0)
}

func (g *Gateway) handleRequestLock(session *Session, message ClientMessage) {
	documentID, subscriptionID, ok := g.joinedDocument(session, message)
	if !ok {
		return
	}

	decision := g.locks.RequestLock(session.key(documentID), session.userID, session.identity.DisplayName, g.clock().UTC())
	if !decision.Granted {
		session.enqueue(ServerMessage{Type: MessageLockDenied, Payload: lockPayload{Lock: decision.Lock}})
		return
	}
	session.enqueue(ServerMessage{Type: MessageDocumentLocked, Payload: lockPayload{Lock: decision.Lock}})
	g.dispatcher.Publish(session.key(documentID), ServerMessage{
		Type:    MessageDocumentLocked,
		Payload: lockPayload{Lock: decision.Lock},
	}, subscriptionID)
}

func (g *Gateway) handleReleaseLock(session *Session, message ClientMessage) {
	documentID, subscriptionID, ok := g.joinedDocument(session, message)
	if !ok {
		return
	}

	released := g.locks.ReleaseLock(session.key(documentID), session.userID)
	session.enqueue(ServerMessage{Type: MessageAck, Payload: ackPayload{Request: message.Type, DocumentID: documentID.String()}})
	if released {
		g.dispatcher.Publish(session.key(documentID), ServerMessage{
			Type:    MessageDocumentUnlocked,
			Payload: unlockPayload{DocumentID: documentID.String()},
		}, subscriptionID)
	}
}

func (g *Gateway) handleUpdatePresence(session *Session, message ClientMessage) {
	var payload updatePresencePayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	documentID, err := collab.NewDocumentID(payload.DocumentID)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	subscriptionID, joined := session.subscriptionFor(documentID)
	if !joined {
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return
	}
	status, err := collab.ParsePresenceStatus(payload.Status)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}

	accepted := g.presence.UpdatePresence(session.key(documentID), collab.Presence{
		UserID:   session.userID,
		UserName: session.identity.DisplayName,
		Status:   status,
		Cursor:   payload.Cursor,
	})
	session.enqueue(ServerMessage{Type: MessageAck, Payload: ackPayload{Request: message.Type, DocumentID: documentID.String()}})
	g.dispatcher.Publish(session.key(documentID), ServerMessage{
		Type:    MessagePresenceUpdate,
		Payload: presencePayload{DocumentID: documentID.String(), Presence: accepted},
	}, subscriptionID)
}

func (g *Gateway) handleSubmitOperation(ctx context.Context, session *Session, message ClientMessage) {
	var payload submitOperationPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	documentID, err := collab.NewDocumentID(payload.DocumentID)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	subscriptionID, joined := session.subscriptionFor(documentID)
	if !joined {
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return
	}
	kind, err := collab.ParseOperationKind(payload.Kind)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidOperation, message.Type))
		return
	}

	change, err := g.engine.Submit(ctx, session.tenantID, collab.Operation{
		DocumentID:       documentID,
		UserID:           session.userID,
		Kind:             kind,
		Position:         payload.Position,
		Length:           payload.Length,
		Content:          payload.Content,
		Attributes:       payload.Attributes,
		BaseVersion:      payload.BaseVersion,
		ClientTimeMillis: payload.ClientTimeMillis,
	})
	if err != nil {
		g.replyError(session, err, message.Type)
		return
	}

	applied := operationAppliedPayload{DocumentID: documentID.String(), Change: change}
	session.enqueue(ServerMessage{Type: MessageOperationApplied, Payload: applied})
	g.dispatcher.Publish(session.key(documentID), ServerMessage{Type: MessageOperationApplied, Payload: applied}, subscriptionID)
}

func (g *Gateway) handleAddComment(ctx context.Context, session *Session, message ClientMessage) {
	var payload addCommentPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	documentID, err := collab.NewDocumentID(payload.DocumentID)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	subscriptionID, joined := session.subscriptionFor(documentID)
	if !joined {
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return
	}

	comment, err := g.comments.Add(ctx, session.tenantID, collab.Comment{
		DocumentID:      documentID,
		UserID:          session.userID,
		UserName:        session.identity.DisplayName,
		Content:         payload.Content,
		AnchorPosition:  payload.AnchorPosition,
		AnchorLength:    payload.AnchorLength,
		ParentCommentID: payload.ParentCommentID,
	})
	if err != nil {
		g.replyError(session, err, message.Type)
		return
	}

	session.enqueue(ServerMessage{Type: MessageComment, Payload: commentPayload{Comment: comment}})
	g.dispatcher.Publish(session.key(documentID), ServerMessage{
		Type:    MessageNewComment,
		Payload: commentPayload{Comment: comment},
	}, subscriptionID)
}

func (g *Gateway) handleResolveComment(ctx context.Context, session *Session, message ClientMessage) {
	var payload resolveCommentPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil || payload.CommentID == "" {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}

	key, ok := g.comments.DocumentFor(payload.CommentID)
	if !ok || key.TenantID != session.tenantID {
		// Another tenant's comment id reads as absence, same as an unknown one.
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return
	}
	subscriptionID, joined := session.subscriptionFor(key.DocumentID)
	if !joined {
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return
	}

	comment, err := g.comments.Resolve(ctx, payload.CommentID, session.userID)
	if err != nil {
		g.replyError(session, err, message.Type)
		return
	}

	session.enqueue(ServerMessage{Type: MessageComment, Payload: commentPayload{Comment: comment}})
	g.dispatcher.Publish(key, ServerMessage{
		Type:    MessageCommentResolved,
		Payload: commentPayload{Comment: comment},
	}, subscriptionID)
}

func (g *Gateway) handleChangesSince(session *Session, message ClientMessage) {
	var payload changesSincePayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	documentID, err := collab.NewDocumentID(payload.DocumentID)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return
	}
	if _, joined := session.subscriptionFor(documentID); !joined {
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return
	}

	since := time.UnixMilli(payload.SinceMillis).UTC()
	changes := g.log.Since(session.key(documentID), since)
	session.enqueue(ServerMessage{Type: MessageChanges, Payload: changesPayload{
		DocumentID: documentID.String(),
		Changes:    changes,
	}})
}

// joinedDocument decodes the document id payload and requires the session to
// have joined it. Non-joined documents read as absence.
func (g *Gateway) joinedDocument(session *Session, message ClientMessage) (collab.DocumentID, int64, bool) {
	documentID, ok := decodeDocumentID(session, message)
	if !ok {
		return "", 0, false
	}
	subscriptionID, joined := session.subscriptionFor(documentID)
	if !joined {
		session.enqueue(errorMessage(ErrorCodeNotFound, message.Type))
		return "", 0, false
	}
	return documentID, subscriptionID, true
}

func decodeDocumentID(session *Session, message ClientMessage) (collab.DocumentID, bool) {
	var payload documentPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return "", false
	}
	documentID, err := collab.NewDocumentID(payload.DocumentID)
	if err != nil {
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, message.Type))
		return "", false
	}
	return documentID, true
}

func (g *Gateway) replyError(session *Session, err error, request string) {
	var conflict *collab.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		session.enqueue(ServerMessage{Type: MessageError, Payload: errorPayload{
			Code:           ErrorCodeVersionConflict,
			Request:        request,
			DocumentID:     conflict.DocumentID.String(),
			CurrentVersion: conflict.CurrentVersion,
			BaseVersion:    conflict.BaseVersion,
		}})
	case errors.Is(err, collab.ErrDocumentNotFound), errors.Is(err, collab.ErrCommentNotFound):
		session.enqueue(errorMessage(ErrorCodeNotFound, request))
	case errors.Is(err, collab.ErrInvalidComment):
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, request))
	case errors.Is(err, collab.ErrInvalidParent):
		session.enqueue(errorMessage(ErrorCodeInvalidParent, request))
	case errors.Is(err, collab.ErrInvalidOperation), errors.Is(err, collab.ErrInvalidOperationKind):
		session.enqueue(errorMessage(ErrorCodeInvalidOperation, request))
	default:
		g.logger.Error("request failed", zap.String("request", request), zap.Error(err))
		session.enqueue(errorMessage(ErrorCodeInvalidMessage, request))
	}
}
