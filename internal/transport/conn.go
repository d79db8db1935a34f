// ABOUTME: Serialized JSON writes over a gorilla WebSocket connection
// ABOUTME: Implements agent.Transport for the hub and the worker client

package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket wraps a WebSocket connection with a write lock. gorilla connections
// allow one concurrent writer only.
type Socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSocket wraps conn. A zero writeTimeout disables write deadlines.
func NewSocket(conn *websocket.Conn, writeTimeout time.Duration) *Socket {
	return &Socket{conn: conn, writeTimeout: writeTimeout}
}

// Send writes v as a JSON text message.
func (s *Socket) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(v)
}

// Read returns the next message payload.
func (s *Socket) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// Close sends a close frame and closes the connection once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
