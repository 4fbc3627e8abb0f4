package peerconn

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memTransport is an in-memory Transport used only by tests, so the
// protocol loop can be exercised without a real socket.
type memTransport struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

func newMemPair() (*memTransport, *memTransport) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	closed := make(chan struct{})
	return &memTransport{out: a, in: b, closed: closed}, &memTransport{out: b, in: a, closed: closed}
}

func (m *memTransport) WriteText(s string) error { return m.WriteJSON(s) }
func (m *memTransport) ReadText() (string, error) {
	var s string
	err := m.ReadJSON(&s)
	return s, err
}
func (m *memTransport) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case m.out <- data:
		return nil
	case <-m.closed:
		return errors.New("closed")
	}
}
func (m *memTransport) ReadJSON(v interface{}) error {
	select {
	case data := <-m.in:
		return json.Unmarshal(data, v)
	case <-m.closed:
		return errors.New("closed")
	}
}
func (m *memTransport) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

func TestConnectionRequestResponseRoundTrip(t *testing.T) {
	clientT, serverT := newMemPair()

	serverConn := NewConnection(serverT, func(req *Request) *Response {
		return &Response{Seq: req.Seq, Kind: ResponseLatestTips, Body: json.RawMessage(`{"envelopes":null}`)}
	}, zerolog.Nop())
	clientConn := NewConnection(clientT, func(req *Request) *Response { return nil }, zerolog.Nop())

	go serverConn.Run()
	go clientConn.Run()

	req := &Request{Seq: clientConn.NextSeq(), Kind: RequestLatestTips}
	waitCh, err := clientConn.Send(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case resp := <-waitCh:
		if resp == nil {
			t.Fatal("connection closed before response arrived")
		}
		if resp.Kind != ResponseLatestTips {
			t.Fatalf("unexpected response kind: %v", resp.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestConnectionTearsDownOnKindMismatch(t *testing.T) {
	clientT, serverT := newMemPair()

	// Server answers a LatestTips request with a mismatched kind; the
	// client, which receives it, must tear its connection down per
	// spec.md section 4.C.
	serverConn := NewConnection(serverT, func(req *Request) *Response {
		return &Response{Seq: req.Seq, Kind: ResponsePost, Body: json.RawMessage(`{}`)}
	}, zerolog.Nop())
	clientConn := NewConnection(clientT, func(req *Request) *Response { return nil }, zerolog.Nop())

	clientDone := make(chan error, 1)
	go serverConn.Run()
	go func() { clientDone <- clientConn.Run() }()

	req := &Request{Seq: clientConn.NextSeq(), Kind: RequestLatestTips}
	if _, err := clientConn.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-clientDone:
		if !errors.Is(err, ErrResponseKindMismatch) {
			t.Fatalf("expected ErrResponseKindMismatch, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client connection did not tear down on kind mismatch")
	}
}
