// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientMessage is what a display client may send
type clientMessage struct {
	Type     string `json:"type"`
	GroupKey string `json:"groupKey"`
}

// ServeWS upgrades the request and streams played lines to it. The optional
// ?group= query parameter limits the stream to one group key.
func (hub *DisplayHub) ServeWS(c *gin.Context) {
	select {
	case <-hub.quit:
		NewResponseHelper().Error(c, http.StatusServiceUnavailable, ErrorServiceUnavailable, "display hub is shutting down")
		return
	default:
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := newDisplayClient(uuid.NewString(), conn, c.Query("group"))
	client.control <- mustJSON(map[string]interface{}{
		"type":      "welcome",
		"clientId":  client.id,
		"groupKey":  client.Group(),
		"timestamp": time.Now().Format(time.RFC3339),
	})

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go hub.writePump(client)
	hub.readPump(client)
}

// readPump handles client messages until the connection fails, then
// unregisters the client.
func (hub *DisplayHub) readPump(client *DisplayClient) {
	defer func() {
		select {
		case hub.unregister <- client:
		case <-hub.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Debug("websocket read ended", map[string]interface{}{
					"client_id": client.id,
					"error":     err.Error(),
				})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			hub.reply(client, errorMessage("malformed message"))
			continue
		}
		hub.handleMessage(client, msg)
	}
}

func (hub *DisplayHub) handleMessage(client *DisplayClient, msg clientMessage) {
	switch msg.Type {
	case "ping":
		hub.reply(client, map[string]interface{}{"type": "pong", "timestamp": time.Now().Format(time.RFC3339)})
	case "subscribe":
		client.setGroup(msg.GroupKey)
		hub.reply(client, map[string]interface{}{"type": "subscribed", "groupKey": msg.GroupKey})
	default:
		hub.reply(client, errorMessage("unknown message type: "+msg.Type))
	}
}

// reply queues a control message; it is dropped if the client is backed up
func (hub *DisplayHub) reply(client *DisplayClient, v interface{}) {
	select {
	case client.control <- mustJSON(v):
	default:
	}
}

// writePump is the only writer on the connection. It exits when the hub
// closes client.send or a write fails.
func (hub *DisplayHub) writePump(client *DisplayClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-client.control:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorMessage(msg string) map[string]interface{} {
	return map[string]interface{}{
		"type":      "error",
		"error":     msg,
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// only called with maps of strings
		panic(err)
	}
	return data
}
