package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CorvidWorks/quillsync/backend/internal/auth"
	"github.com/CorvidWorks/quillsync/backend/internal/collab"
	"github.com/CorvidWorks/quillsync/backend/internal/server"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationTenantID      = "tenant-1"
	integrationDocumentID    = "doc-1"
	jsonContentType          = "application/json"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func buildStack(testContext *testing.T) (http.Handler, *collab.Store) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&collab.DocumentSnapshot{}, &collab.ChangeAudit{}, &collab.CommentRecord{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	store, err := collab.NewStore(collab.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	changeLog := collab.NewChangeLog(collab.ChangeLogConfig{})
	engine, err := collab.NewEngine(collab.EngineConfig{
		Store:      store,
		Log:        changeLog,
		IDProvider: collab.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	comments, err := collab.NewCommentManager(collab.CommentManagerConfig{
		IDProvider: collab.NewUUIDProvider(),
		Store:      store,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build comment manager: %v", err)
	}
	gateway, err := server.NewGateway(server.GatewayConfig{
		Engine:     engine,
		Presence:   collab.NewPresenceTracker(collab.PresenceTrackerConfig{}),
		Locks:      collab.NewLockManager(collab.LockManagerConfig{}),
		Log:        changeLog,
		Comments:   comments,
		Dispatcher: server.NewDispatcher(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        "quillsync-auth",
		Audience:      "quillsync-api",
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  tokens,
		Gateway: gateway,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler, store
}

func mintToken(testContext *testing.T, serverURL, userID, displayName string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{
		"user_id":      userID,
		"tenant_id":    integrationTenantID,
		"display_name": displayName,
	})
	response, err := http.Post(serverURL+"/auth/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token mint request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	return payload.AccessToken
}

func dialSession(testContext *testing.T, serverURL, token string) *websocket.Conn {
	testContext.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket: %v", err)
	}
	return conn
}

func send(testContext *testing.T, conn *websocket.Conn, messageType string, payload any) {
	testContext.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode payload: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": messageType, "payload": json.RawMessage(encoded)}); err != nil {
		testContext.Fatalf("failed to send %s: %v", messageType, err)
	}
}

func readUntil(testContext *testing.T, conn *websocket.Conn, messageType string) envelope {
	testContext.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var message envelope
		if err := conn.ReadJSON(&message); err != nil {
			testContext.Fatalf("read failed waiting for %s: %v", messageType, err)
		}
		if message.Type == messageType {
			return message
		}
	}
	testContext.Fatalf("timed out waiting for %s", messageType)
	return envelope{}
}

func TestCollaborativeSessionFlow(testContext *testing.T) {
	handler, store := buildStack(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	tenantID, _ := collab.NewTenantID(integrationTenantID)
	documentID, _ := collab.NewDocumentID(integrationDocumentID)
	if err := store.CreateDocument(context.Background(), tenantID, documentID, ""); err != nil {
		testContext.Fatalf("failed to create document: %v", err)
	}

	aliceToken := mintToken(testContext, testServer.URL, "user-alice", "Alice")
	bobToken := mintToken(testContext, testServer.URL, "user-bob", "Bob")

	alice := dialSession(testContext, testServer.URL, aliceToken)
	defer alice.Close()
	bob := dialSession(testContext, testServer.URL, bobToken)
	defer bob.Close()

	send(testContext, alice, "join_document", map[string]string{"document_id": integrationDocumentID})
	readUntil(testContext, alice, "snapshot")
	send(testContext, bob, "join_document", map[string]string{"document_id": integrationDocumentID})
	readUntil(testContext, bob, "snapshot")
	readUntil(testContext, alice, "user_joined")

	// Alice takes the edit lock; Bob observes the broadcast and is denied.
	send(testContext, alice, "request_lock", map[string]string{"document_id": integrationDocumentID})
	readUntil(testContext, alice, "document_locked")
	readUntil(testContext, bob, "document_locked")

	send(testContext, bob, "request_lock", map[string]string{"document_id": integrationDocumentID})
	denied := readUntil(testContext, bob, "lock_denied")
	var deniedPayload struct {
		Lock struct {
			HolderUserName string `json:"holder_user_name"`
		} `json:"lock"`
	}
	if err := json.Unmarshal(denied.Payload, &deniedPayload); err != nil {
		testContext.Fatalf("failed to decode denial: %v", err)
	}
	if deniedPayload.Lock.HolderUserName != "Alice" {
		testContext.Fatalf("expected Alice to hold the lock, got %q", deniedPayload.Lock.HolderUserName)
	}

	// Alice edits; Bob receives the applied change.
	send(testContext, alice, "submit_operation", map[string]any{
		"document_id":  integrationDocumentID,
		"kind":         "insert",
		"position":     0,
		"content":      "Hello",
		"base_version": 0,
	})
	readUntil(testContext, alice, "operation_applied")

	broadcast := readUntil(testContext, bob, "operation_applied")
	var appliedPayload struct {
		Change struct {
			ResultVersion int64 `json:"result_version"`
			Operation     struct {
				Content string `json:"content"`
			} `json:"operation"`
		} `json:"change"`
	}
	if err := json.Unmarshal(broadcast.Payload, &appliedPayload); err != nil {
		testContext.Fatalf("failed to decode broadcast: %v", err)
	}
	if appliedPayload.Change.ResultVersion != 1 || appliedPayload.Change.Operation.Content != "Hello" {
		testContext.Fatalf("unexpected broadcast change %#v", appliedPayload.Change)
	}

	// Bob submits a stale delete against content he never saw and must resync.
	send(testContext, bob, "submit_operation", map[string]any{
		"document_id":  integrationDocumentID,
		"kind":         "delete",
		"position":     0,
		"length":       5,
		"base_version": 0,
	})
	conflict := readUntil(testContext, bob, "error")
	var conflictPayload struct {
		Code           string `json:"code"`
		CurrentVersion int64  `json:"current_version"`
	}
	if err := json.Unmarshal(conflict.Payload, &conflictPayload); err != nil {
		testContext.Fatalf("failed to decode conflict: %v", err)
	}
	if conflictPayload.Code != "version_conflict" || conflictPayload.CurrentVersion != 1 {
		testContext.Fatalf("expected version conflict at version 1, got %#v", conflictPayload)
	}

	send(testContext, bob, "submit_operation", map[string]any{
		"document_id":  integrationDocumentID,
		"kind":         "delete",
		"position":     0,
		"length":       5,
		"base_version": 1,
	})
	resynced := readUntil(testContext, bob, "operation_applied")
	if err := json.Unmarshal(resynced.Payload, &appliedPayload); err != nil {
		testContext.Fatalf("failed to decode resynced change: %v", err)
	}
	if appliedPayload.Change.ResultVersion != 2 {
		testContext.Fatalf("expected version 2 after resync, got %d", appliedPayload.Change.ResultVersion)
	}

	// Comments round-trip across the fan-out.
	send(testContext, alice, "add_comment", map[string]any{
		"document_id": integrationDocumentID,
		"content":     "ship it",
	})
	readUntil(testContext, alice, "comment")
	comment := readUntil(testContext, bob, "new_comment")
	var commentEnvelope struct {
		Comment struct {
			ID       string `json:"id"`
			UserName string `json:"user_name"`
		} `json:"comment"`
	}
	if err := json.Unmarshal(comment.Payload, &commentEnvelope); err != nil {
		testContext.Fatalf("failed to decode comment: %v", err)
	}
	if commentEnvelope.Comment.UserName != "Alice" || commentEnvelope.Comment.ID == "" {
		testContext.Fatalf("unexpected comment broadcast %#v", commentEnvelope.Comment)
	}
}
