package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// RoomResolver decides which rooms a connecting client joins.
// A non-nil error rejects the connection with 401.
type RoomResolver func(c *gin.Context) ([]string, error)

// ServeWS upgrades the request and streams events for the resolved rooms.
func (h *Hub) ServeWS(resolve RoomResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms, err := resolve(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		conn.SetReadLimit(maxMessageSize)

		client, cleanup := h.Register(rooms...)
		defer cleanup()

		go h.writePump(conn, client)
		h.readPump(conn, client)
	}
}

type inbound struct {
	Event string `json:"event"`
}

func (h *Hub) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		_ = conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Uint64("client", client.ID).Msg("Websocket read error")
			}
			return
		}

		var msg inbound
		if json.Unmarshal(data, &msg) != nil || msg.Event != "ping" {
			continue
		}
		reply, _ := json.Marshal(Event{Name: pongEvent, Timestamp: time.Now().UTC()})
		select {
		case client.Send <- reply:
		default:
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
