package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/macrat/markdown-board/internal/rooms"
)

const (
	maxInboundFrame = 10 * 1024 * 1024
	writeTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	// Browser clients connect from the separately-hosted front end.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleSync upgrades the connection and joins the peer to the room named by
// the path. Frames are binary; the room decodes and routes them. A transport
// error on one connection tears down only that connection.
func (h *httpHandler) handleSync(c *gin.Context) {
	docName := strings.TrimSpace(c.Param("page"))
	if docName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("page", docName), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	room, peer, err := h.registry.Join(ctx, docName)
	if err != nil {
		h.logger.Warn("room join failed",
			zap.String("page", docName), zap.Error(err))
		return
	}
	defer h.registry.Leave(ctx, room, peer)

	h.logger.Info("peer joined", zap.String("page", docName))

	go writePump(conn, peer)

	conn.SetReadLimit(maxInboundFrame)
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("peer disconnected",
				zap.String("page", docName), zap.Error(err))
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		room.HandleMessage(ctx, peer, frame)

		select {
		case <-peer.Done():
			// The room dropped this peer (slow consumer); stop reading.
			return
		default:
		}
	}
}

// writePump drains the peer's outbox onto the socket. It exits when the room
// disconnects the peer or a write fails; closing the connection unblocks the
// read loop, which detaches the peer.
func writePump(conn *websocket.Conn, peer *rooms.Peer) {
	defer conn.Close()
	for {
		select {
		case <-peer.Done():
			return
		case frame := <-peer.Outbox():
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}
