package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"postoffice/internal/domain"
)

// socketConn adapts a nhooyr.io/websocket connection to clients.Socket.
// Writes are serialized: the registry's drain-on-(re)connect path and the
// read loop's own disconnect cleanup can both reach the same socket, and the
// underlying connection permits only one writer at a time.
type socketConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	return &socketConn{ws: ws}
}

func (c *socketConn) SendJSON(ctx context.Context, msg domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *socketConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// connectionConfirmedFrame is the first frame sent after a successful
// admission (spec §4.3 step 6, §6 socket endpoint).
func connectionConfirmedFrame(clientID string) domain.Message {
	return domain.Message{
		Type:     domain.MessageTypeConnectionConfirmed,
		ClientID: clientID,
	}
}

// disconnectPause synthesizes the PAUSE side effect delivered to the mission
// controller when a client with an active mission association disconnects
// (spec §4.3 disconnect step 2).
func disconnectPause(missionID string) domain.Message {
	content, _ := json.Marshal(domain.PauseContent{
		MissionID: missionID,
		Reason:    domain.ReasonClientDisconnected,
	})
	return domain.Message{
		Type:      domain.MessageTypePause,
		Recipient: "MissionControl",
		MissionID: missionID,
		Content:   content,
	}
}
