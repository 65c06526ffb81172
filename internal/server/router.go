package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/willibrandon/CodexPad-sub000/internal/snippets"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("snippet store dependency required")

// Dependencies carries the collaborators for the HTTP handler.
type Dependencies struct {
	Store  *snippets.Store
	Logger *zap.Logger
}

// NewHTTPHandler wires the sync endpoint, the catch-up view, and the health
// probe into a single handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &syncHandler{
		store:    deps.Store,
		registry: NewRegistry(logger),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The desktop client connects from an app origin, not a browser page.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/changes/pending", handler.handlePendingChanges)
	router.GET("/sync", handler.handleSync)

	return router, nil
}

type syncHandler struct {
	store    *snippets.Store
	registry *Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *syncHandler) handleHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pendingChangePayload struct {
	ChangeID   int64           `json:"change_id"`
	SnippetID  int64           `json:"snippet_id"`
	Version    int64           `json:"version"`
	Operation  string          `json:"operation"`
	Snapshot   json.RawMessage `json:"snapshot"`
	RecordedAt string          `json:"recorded_at"`
	ClientID   string          `json:"client_id"`
}

type pendingChangesResponse struct {
	Changes []pendingChangePayload `json:"changes"`
}

// handlePendingChanges serves the catch-up view. An optional ack parameter
// raises the client's cursor before the query, so a reconnecting client
// acknowledges the last batch it consumed and receives only what follows.
func (h *syncHandler) handlePendingChanges(c *gin.Context) {
	clientID, err := snippets.NewClientID(c.Query("client_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_id"})
		return
	}

	if rawAck := c.Query("ack"); rawAck != "" {
		ack, err := strconv.ParseInt(rawAck, 10, 64)
		if err != nil || ack <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ack"})
			return
		}
		if err := h.store.AcknowledgeChanges(c.Request.Context(), clientID, ack); err != nil {
			h.logger.Error("change acknowledgment failed",
				zap.String("client_id", clientID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ack_failed"})
			return
		}
	}

	entries, err := h.store.PendingChanges(c.Request.Context(), clientID)
	if err != nil {
		h.logger.Error("pending changes query failed",
			zap.String("client_id", clientID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	response := pendingChangesResponse{Changes: make([]pendingChangePayload, 0, len(entries))}
	for _, entry := range entries {
		response.Changes = append(response.Changes, pendingChangePayload{
			ChangeID:   entry.ID,
			SnippetID:  entry.SnippetID,
			Version:    entry.Version,
			Operation:  string(entry.Operation),
			Snapshot:   json.RawMessage(entry.Snapshot),
			RecordedAt: time.Unix(entry.CreatedAtSeconds, 0).UTC().Format(time.RFC3339),
			ClientID:   entry.ClientID,
		})
	}

	c.JSON(http.StatusOK, response)
}
