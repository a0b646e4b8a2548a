package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"refsync/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// wsConn wraps a websocket with write serialization and keepalive deadlines.
// Reads stay single-goroutine in the session loop; writes may come from the
// session itself or from a peer's fan-out, hence the mutex.
type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.MaxEnvelopeBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return &wsConn{ws: ws}
}

func (c *wsConn) readEnvelope() (*protocol.Envelope, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	var env protocol.Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) writeAck(id uint64, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.writeJSON(&protocol.Envelope{ID: id, Data: raw})
}

func (c *wsConn) writeEvent(event string) error {
	return c.writeJSON(&protocol.Envelope{Event: event})
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *wsConn) close() error {
	return c.ws.Close()
}
