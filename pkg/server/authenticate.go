package server

import (
	"io"
	"net/http"
)

// handleAuthenticate is the handshake's HTTP side channel (spec.md
// section 4.C / 6): the peer we dialed out to POSTs the 32-byte secret
// it minted back to us here, keyed by our own statically-configured
// identity -- see peerconn.ClientHandshake, which registers its wait
// under that same identity before announcing itself on the socket.
func (srv *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32))
	if err != nil {
		writeJSONError(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) != 32 {
		writeJSONError(w, "expected a 32-byte secret", http.StatusBadRequest)
		return
	}

	var secret [32]byte
	copy(secret[:], body)

	if !srv.registry.Deliver(srv.self.URL, srv.self.Port, secret) {
		writeJSONError(w, "no handshake waiting for this secret", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
