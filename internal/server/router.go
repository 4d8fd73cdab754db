package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CorvidWorks/quillsync/backend/internal/auth"
)

var (
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingGateway     = errors.New("gateway dependency required")
)

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Tokens         *auth.TokenIssuer
	Gateway        *Gateway
	Logger         *zap.Logger
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin router serving the token mint endpoint, the
// realtime websocket endpoint, and a health probe.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allowedOrigins := deps.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		gateway:  deps.Gateway,
		logger:   logger,
		upgrader: newUpgrader(allowedOrigins),
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/token", handler.handleMintToken)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	tokens   *auth.TokenIssuer
	gateway  *Gateway
	logger   *zap.Logger
	upgrader *websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type mintTokenPayload struct {
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
}

type mintTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleMintToken(c *gin.Context) {
	var request mintTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.Issue(auth.Identity{
		UserID:      request.UserID,
		TenantID:    request.TenantID,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		if errors.Is(err, auth.ErrMissingUserID) || errors.Is(err, auth.ErrMissingTenantID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, mintTokenResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

// handleWebSocket authenticates the connection and hands it to the gateway.
// Browsers cannot set headers on websocket requests, so the token may arrive
// either as a Bearer header or a query parameter.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeUnauthorized})
		return
	}
	identity, err := h.tokens.Verify(token)
	if err != nil {
		h.logger.Warn("websocket token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeUnauthorized})
		return
	}

	session, err := h.gateway.Connect(identity)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeUnauthorized})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newWSConn(ws, h.gateway, session, h.logger)
	conn.run(c.Request.Context())
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}
