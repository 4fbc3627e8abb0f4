package peerconn

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dial opens a websocket connection to a peer, runs the client side of the
// handshake, and returns a Connection ready to have Run called on it in its
// own goroutine. self is the identity this node announces; registry must be
// the same registry the node's /authenticate HTTP handler delivers secrets
// into.
func Dial(peerURL string, registry *PendingAuthRegistry, self Identity, handler RequestHandler, log zerolog.Logger) (*Connection, error) {
	u, err := url.Parse(peerURL)
	if err != nil {
		return nil, fmt.Errorf("peerconn: parsing peer url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("peerconn: unsupported peer url scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dialing %s: %w", peerURL, err)
	}

	transport := NewTransport(conn)
	if err := ClientHandshake(transport, registry, self); err != nil {
		transport.Close()
		return nil, fmt.Errorf("peerconn: client handshake with %s: %w", peerURL, err)
	}

	return NewConnection(transport, handler, log), nil
}

// Accept upgrades an inbound HTTP request to a websocket, runs the server
// side of the handshake, and returns the peer's announced Identity along
// with a Connection ready to have Run called on it.
func Accept(w http.ResponseWriter, r *http.Request, httpClient *http.Client, handler RequestHandler, log zerolog.Logger) (Identity, *Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return Identity{}, nil, fmt.Errorf("peerconn: upgrading connection: %w", err)
	}

	transport := NewTransport(conn)
	id, err := ServerHandshake(transport, httpClient)
	if err != nil {
		transport.Close()
		return Identity{}, nil, fmt.Errorf("peerconn: server handshake: %w", err)
	}

	return id, NewConnection(transport, handler, log), nil
}

// DefaultHTTPClient is a sane default for the handshake's side-channel
// POST; callers with particular TLS/timeout needs should build their own
// and pass it to Accept directly.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: HandshakeTimeout}
}
