package peerconn

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// TestHandshakeRoundTrip wires ClientHandshake and ServerHandshake across an
// in-memory transport pair, with a real httptest server standing in for the
// client's /authenticate endpoint (the side channel the server posts the
// secret to).
func TestHandshakeRoundTrip(t *testing.T) {
	clientT, serverT := newMemPair()

	registry := NewPendingAuthRegistry()

	var clientPort int
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) != 32 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var secret [32]byte
		copy(secret[:], body)
		registry.Deliver("127.0.0.1", clientPort, secret)
		w.WriteHeader(http.StatusOK)
	}))
	defer authSrv.Close()

	clientPort = portFromURL(t, authSrv.URL)

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- ClientHandshake(clientT, registry, Identity{URL: "127.0.0.1", Port: clientPort})
	}()

	serverDone := make(chan error, 1)
	var gotIdentity Identity
	go func() {
		id, err := ServerHandshake(serverT, authSrv.Client())
		gotIdentity = id
		serverDone <- err
	}()

	select {
	case err := <-clientDone:
		if err != nil {
			t.Fatalf("client handshake: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client handshake timed out")
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server handshake: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
	}

	if gotIdentity.URL != "127.0.0.1" || gotIdentity.Port != clientPort {
		t.Fatalf("unexpected identity: %+v", gotIdentity)
	}
}

func portFromURL(t *testing.T, u string) int {
	t.Helper()
	idx := strings.LastIndex(u, ":")
	if idx < 0 {
		t.Fatalf("could not parse port from %q", u)
	}
	port, err := strconv.Atoi(u[idx+1:])
	if err != nil {
		t.Fatalf("could not parse port from %q: %v", u, err)
	}
	return port
}
