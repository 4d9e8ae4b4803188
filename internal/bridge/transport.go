package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the telephony side of an audio bridge
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	SetPongHandler(h func())
	Close(code int, reason string) error
	RemoteAddr() string
}

// wsTransport adapts a gorilla websocket connection. gorilla allows one
// concurrent writer, so data frames share a mutex; control frames go through
// WriteControl which is safe alongside them.
type wsTransport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewWebSocketTransport wraps an upgraded websocket connection
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) SetPongHandler(h func()) {
	t.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Close codes used when ending a stream
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseProtocolError = websocket.CloseProtocolError
	CloseGoingAway     = websocket.CloseGoingAway
	CloseInternalError = websocket.CloseInternalServerErr
)

// IsNormalClose reports whether err is an orderly websocket shutdown
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
