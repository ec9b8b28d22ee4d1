package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NetworkSocket abstracts the transport so the registry and room tests can
// run against fakes.
type NetworkSocket interface {
	Close(reason string)
	Write(data []byte) error
	Read() ([]byte, error)
	Ping() error
}

// websocketSocket serializes writers: the pump's final flush and the close
// frame may come from different goroutines, and gorilla allows only one
// writer at a time.
type websocketSocket struct {
	writeMu sync.Mutex
	socket  *websocket.Conn
}

func (ws *websocketSocket) Write(data []byte) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.socket.WriteMessage(websocket.BinaryMessage, data)
}

func (ws *websocketSocket) Ping() error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.socket.WriteMessage(websocket.PingMessage, nil)
}

func (ws *websocketSocket) Read() ([]byte, error) {
	_, p, err := ws.socket.ReadMessage()
	return p, err
}

func (ws *websocketSocket) Close(reason string) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	ws.socket.SetWriteDeadline(time.Now().Add(time.Second * 20))
	ws.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	ws.socket.Close()
}

// NewWebsocketSocket wraps an upgraded gorilla connection. The pong handler
// keeps the read deadline moving as long as the client answers pings.
func NewWebsocketSocket(conn *websocket.Conn) NetworkSocket {
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		return nil
	})
	return &websocketSocket{socket: conn}
}
