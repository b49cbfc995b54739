package chat

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/teampulse/pulse-ai/internal/ai"
	"github.com/teampulse/pulse-ai/internal/util"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocket handles GET /v1/chat/ws. Every text message is a ChatRequest;
// replies are Event values. Requests on one connection run one at a time.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(wsReadLimit)

	tenant := c.GetHeader("X-Tenant-ID")
	user := c.GetHeader("X-User-ID")
	ctx := c.Request.Context()

	send := func(ev Event) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.WithError(err).Debug("websocket write failed")
		}
	}

	for {
		var body ChatRequest
		if err := conn.ReadJSON(&body); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read ended")
			}
			return
		}
		body.TenantID = util.FirstNonEmpty(body.TenantID, tenant)
		body.UserID = util.FirstNonEmpty(body.UserID, user)

		req, err := body.toAI()
		if err != nil {
			send(Event{Type: "error", Content: err.Error(), Error: &ErrorPayload{Kind: string(ai.KindInvalidRequest), Message: err.Error()}})
			continue
		}
		h.generateEvents(ctx, req, send)
	}
}
