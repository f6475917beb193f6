package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the device connection owned by a session. *websocket.Conn
// satisfies it; WriteControl may be called concurrently with the writer.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// WriteData is one queued outbound frame
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// closeWith sends a close frame carrying code and reason, then closes
func closeWith(t Transport, code int, reason string) {
	t.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	t.Close()
}
