package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrSessionInactive = errors.New("session is not active")

const defaultWriteTimeout = 10 * time.Second

// Session wraps one WebSocket transport. Its id is stable for the lifetime of
// the transport. Writes are serialized; Close may be called from any goroutine.
type Session struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	createdAt  time.Time

	attrs   sync.Map
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSession binds a session to an established connection.
func NewSession(conn *websocket.Conn) *Session {
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: time.Now(),
	}
	if conn != nil {
		s.remoteAddr = conn.RemoteAddr().String()
	}
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) RemoteAddr() string   { return s.remoteAddr }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) SetAttribute(key string, value any) {
	s.attrs.Store(key, value)
}

func (s *Session) Attribute(key string) (any, bool) {
	return s.attrs.Load(key)
}

func (s *Session) RemoveAttribute(key string) {
	s.attrs.Delete(key)
}

// IsActive reports whether the transport is still open.
func (s *Session) IsActive() bool {
	return s.conn != nil && !s.closed.Load()
}

// SendText writes a text frame.
func (s *Session) SendText(text string) error {
	if !s.IsActive() {
		return ErrSessionInactive
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// SendPing writes a ping control frame.
func (s *Session) SendPing() error {
	if !s.IsActive() {
		return ErrSessionInactive
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
}

// Close sends a close frame and releases the transport. Safe to call twice.
func (s *Session) Close() error {
	if s.conn == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

