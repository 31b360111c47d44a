// Package websocket is the transport edge: it upgrades authorized
// connections, decodes inbound envelopes onto the session lane, and owns
// the bounded write path back to the peer.
package websocket

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edvolabs/tutorvoice/internal/config"
	"github.com/edvolabs/tutorvoice/internal/protocol"
	"github.com/edvolabs/tutorvoice/internal/session"
	"github.com/edvolabs/tutorvoice/pkg/Logger"
)

// Handler handles the conversation WebSocket routes.
type Handler struct {
	log      *Logger.Logger
	cfg      *config.Settings
	store    *session.Store
	manager  *session.Manager
	upgrader websocket.Upgrader
}

func NewHandler(cfg *config.Settings, store *session.Store, manager *session.Manager, log *Logger.Logger) *Handler {
	return &Handler{
		log:     log,
		cfg:     cfg,
		store:   store,
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Implement proper origin checking for production
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers WebSocket routes.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	ws := router.Group("/ws")
	{
		ws.GET("/conversation/:id", h.HandleConversation)
		ws.GET("/stats", h.HandleStats)
	}
}

// HandleConversation runs one conversation connection end to end. The
// ws_token minted at conversation creation must match before the upgrade;
// after it, all errors flow as error envelopes, not HTTP statuses.
func (h *Handler) HandleConversation(c *gin.Context) {
	convID := c.Param("id")
	token := c.Query("token")

	if err := h.store.Authorize(convID, token); err != nil {
		h.log.Warnf("websocket auth refused for %s: %v", convID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("websocket upgrade failed for %s: %v", convID, err)
		return
	}
	defer conn.Close()

	emitter := NewEmitter(conn, h.cfg.Session.WriteTimeout, h.log.Named("emitter"))
	defer emitter.Close()

	lane, err := h.manager.Open(convID, emitter)
	if err != nil {
		h.log.Warnf("refusing connection for %s: %v", convID, err)
		_ = emitter.Emit(protocol.Error(convID, protocol.CodeProtocolViolation, "conversation already connected", false))
		return
	}
	defer h.manager.Close(convID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	laneDone := make(chan struct{})
	go func() {
		lane.Run(ctx)
		close(laneDone)
		// A self-initiated stop (idle timeout, write failure) must also
		// unblock the read loop below.
		conn.Close()
	}()

	h.readLoop(conn, convID, lane, emitter)

	cancel()
	<-laneDone
}

func (h *Handler) readLoop(conn *websocket.Conn, convID string, lane *session.Lane, emitter *Emitter) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Errorf("websocket read error for %s: %v", convID, err)
			} else {
				h.log.Infof("websocket closed for %s", convID)
			}
			return
		}
		if msgType != websocket.TextMessage {
			_ = emitter.Emit(protocol.Error(convID, protocol.CodeBadMessage, "binary frames are not supported", false))
			continue
		}

		msg, _, derr := protocol.Decode(data)
		if derr != nil {
			code, reason := protocol.CodeBadMessage, "malformed message"
			var de *protocol.DecodeError
			if errors.As(derr, &de) {
				code, reason = de.Code, de.Reason
			}
			_ = emitter.Emit(protocol.Error(convID, code, reason, false))
			continue
		}
		lane.Deliver(msg)
	}
}

// HandleStats reports live session counts, for operators.
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data": gin.H{
			"active_sessions": h.manager.Count(),
		},
	})
}

// HandleSnapshot returns one lane's live view, 404 when not connected.
func (h *Handler) HandleSnapshot(c *gin.Context) {
	convID := c.Param("id")
	snap, ok := h.manager.Snapshot(convID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": snap})
}
