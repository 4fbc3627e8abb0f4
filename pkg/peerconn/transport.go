package peerconn

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Transport is the minimal duplex framed stream the handshake and
// protocol loop need: text frames for the handshake, JSON frames for the
// request/response loop. gorilla/websocket's *Conn satisfies this
// directly via wsTransport.
type Transport interface {
	WriteText(s string) error
	ReadText() (string, error)
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

// NewTransport wraps an established websocket connection (either side of
// the handshake) as a Transport.
func NewTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteText(s string) error {
	return t.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (t *wsTransport) ReadText() (string, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *wsTransport) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) ReadJSON(v interface{}) error {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
