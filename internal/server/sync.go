package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/willibrandon/CodexPad-sub000/internal/snippets"
	"go.uber.org/zap"
)

// handleSync upgrades the request to a websocket and runs the per-connection
// receive loop: register, read one message at a time in arrival order, and
// unregister on any read or decode failure.
func (h *syncHandler) handleSync(c *gin.Context) {
	clientID, err := snippets.NewClientID(c.Query("client_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("client_id", clientID.String()), zap.Error(err))
		return
	}

	registration := h.registry.Register(clientID.String(), conn)
	defer func() {
		h.registry.Unregister(registration)
		_ = conn.Close()
	}()

	h.logger.Info("client connected", zap.String("client_id", clientID.String()))

	for {
		var message Message
		if err := conn.ReadJSON(&message); err != nil {
			h.logger.Info("client disconnected",
				zap.String("client_id", clientID.String()), zap.Error(err))
			return
		}
		h.dispatch(c.Request.Context(), clientID, registration, message)
	}
}

// dispatch validates one inbound message and routes it to the matching store
// operation. A validation failure discards only that message; the connection
// stays open.
func (h *syncHandler) dispatch(ctx context.Context, clientID snippets.ClientID, registration Registration, message Message) {
	if err := message.Validate(); err != nil {
		h.logger.Warn("invalid sync message",
			zap.String("client_id", clientID.String()),
			zap.String("message_type", string(message.Type)),
			zap.Error(err))
		return
	}

	switch message.Type {
	case MessageTypeHandshake:
		// Liveness acknowledgment only.
	case MessageTypePush:
		h.handlePush(ctx, clientID, registration, message)
	case MessageTypePull:
		h.handlePull(ctx, clientID, registration, message)
	case MessageTypeConfirm, MessageTypeUpdate:
		// Server-originated kinds are rejected by Validate.
	}
}

func (h *syncHandler) handlePush(ctx context.Context, clientID snippets.ClientID, registration Registration, message Message) {
	snippetID, err := snippets.NewSnippetID(message.SnippetID)
	if err != nil {
		h.logger.Warn("push rejected", zap.String("client_id", clientID.String()), zap.Error(err))
		return
	}

	result, err := h.store.Push(ctx, clientID, snippets.PushRequest{
		SnippetID: snippetID,
		Title:     message.Title,
		Content:   message.Content,
		Tags:      message.Tags,
	})
	if err != nil {
		// No confirmation is sent; the client recovers by timeout or re-pull.
		h.logger.Error("push failed",
			zap.String("client_id", clientID.String()),
			zap.Int64("snippet_id", snippetID.Int64()),
			zap.Error(err))
		return
	}

	if err := registration.Send(confirmMessage(result.Snippet)); err != nil {
		// The committed write stands; persistence and notification are not atomic.
		h.logger.Warn("confirm delivery failed",
			zap.String("client_id", clientID.String()),
			zap.Int64("snippet_id", result.Snippet.ID),
			zap.Error(err))
	}

	h.registry.BroadcastExcept(clientID.String(), updateMessage(result.Snippet, message.Tags))
}

func (h *syncHandler) handlePull(ctx context.Context, clientID snippets.ClientID, registration Registration, message Message) {
	snippetID, err := snippets.NewSnippetID(message.SnippetID)
	if err != nil {
		h.logger.Warn("pull rejected", zap.String("client_id", clientID.String()), zap.Error(err))
		return
	}

	snippet, err := h.store.Get(ctx, snippetID)
	if err != nil {
		if errors.Is(err, snippets.ErrSnippetNotFound) {
			h.logger.Warn("pull of unknown snippet",
				zap.String("client_id", clientID.String()),
				zap.Int64("snippet_id", snippetID.Int64()))
		} else {
			h.logger.Error("pull failed",
				zap.String("client_id", clientID.String()),
				zap.Int64("snippet_id", snippetID.Int64()),
				zap.Error(err))
		}
		return
	}

	tags, err := h.store.Tags(ctx, snippetID)
	if err != nil {
		h.logger.Error("tag load failed",
			zap.String("client_id", clientID.String()),
			zap.Int64("snippet_id", snippetID.Int64()),
			zap.Error(err))
		return
	}

	if err := registration.Send(updateMessage(snippet, tags)); err != nil {
		h.logger.Warn("update delivery failed",
			zap.String("client_id", clientID.String()),
			zap.Int64("snippet_id", snippet.ID),
			zap.Error(err))
	}
}
