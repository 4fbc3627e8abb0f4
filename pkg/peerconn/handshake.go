package peerconn

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HandshakeTimeout is the hard per-step timeout spec.md section 4.C
// specifies for every waiting step of the handshake.
const HandshakeTimeout = 10 * time.Second

var (
	ErrHandshakeTimeout  = errors.New("peerconn: handshake step timed out")
	ErrSecretMismatch    = errors.New("peerconn: side-channel secret does not match socket reply")
	ErrMalformedIdentity = errors.New("peerconn: malformed peer identity frame")
)

// Identity is the (service_url, port) a connecting client announces
// itself as.
type Identity struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

func readTextTimeout(t Transport, timeout time.Duration) (string, error) {
	type result struct {
		s   string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := t.ReadText()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		return r.s, r.err
	case <-time.After(timeout):
		return "", ErrHandshakeTimeout
	}
}

// ClientHandshake runs the connecting side of the handshake: announce our
// identity, receive the server's secret commitment, ack, wait for the
// secret to arrive over the HTTP side channel (delivered into registry by
// our own /authenticate handler), then echo it back over the socket.
func ClientHandshake(t Transport, registry *PendingAuthRegistry, self Identity) error {
	waitCh, cancel := registry.Register(self.URL, self.Port)
	defer cancel()

	idBytes, err := json.Marshal(self)
	if err != nil {
		return err
	}
	if err := t.WriteText(string(idBytes)); err != nil {
		return err
	}

	if _, err := readTextTimeout(t, HandshakeTimeout); err != nil {
		return fmt.Errorf("peerconn: awaiting commitment: %w", err)
	}

	if err := t.WriteText(""); err != nil {
		return err
	}

	var secret [32]byte
	select {
	case secret = <-waitCh:
	case <-time.After(HandshakeTimeout):
		return ErrHandshakeTimeout
	}

	return t.WriteText(hex.EncodeToString(secret[:]))
}

// ServerHandshake runs the accepting side: read the client's announced
// identity, mint a secret, send its commitment, wait for the ack, deliver
// the secret to the client's /authenticate endpoint over httpClient, and
// verify the client echoes the same secret back over the socket.
func ServerHandshake(t Transport, httpClient *http.Client) (Identity, error) {
	idText, err := readTextTimeout(t, HandshakeTimeout)
	if err != nil {
		return Identity{}, fmt.Errorf("peerconn: awaiting identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal([]byte(idText), &id); err != nil {
		return Identity{}, ErrMalformedIdentity
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return Identity{}, err
	}
	commitment := sha256.Sum256(secret[:])
	if err := t.WriteText(hex.EncodeToString(commitment[:])); err != nil {
		return Identity{}, err
	}

	if _, err := readTextTimeout(t, HandshakeTimeout); err != nil {
		return Identity{}, fmt.Errorf("peerconn: awaiting ack: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/authenticate", id.URL, id.Port)
	resp, err := httpClient.Post(url, "application/octet-stream", bytes.NewReader(secret[:]))
	if err != nil {
		return Identity{}, fmt.Errorf("peerconn: side-channel post: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	echoed, err := readTextTimeout(t, HandshakeTimeout)
	if err != nil {
		return Identity{}, fmt.Errorf("peerconn: awaiting secret echo: %w", err)
	}
	if echoed != hex.EncodeToString(secret[:]) {
		return Identity{}, ErrSecretMismatch
	}

	return id, nil
}
