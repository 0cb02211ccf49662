package realtime

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Upgrader is shared by WebSocket stream endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketSink writes events as JSON text frames.
type WebSocketSink struct {
	conn *websocket.Conn
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func (s *WebSocketSink) Send(ev Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

func (s *WebSocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return s.conn.Close()
}

// ReadPump blocks until the peer disconnects or the connection is closed. It keeps the
// connection alive with pings until stop is closed.
func (s *WebSocketSink) ReadPump(stop <-chan struct{}) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-stop:
				return
			case <-readDone:
				return
			}
		}
	}()

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return err
		}
	}
}
