package server

import (
	"net/http"

	"github.com/attestmesh/node/pkg/peerconn"
)

// handlePeerSocket accepts an inbound peer connection: upgrades to a
// websocket, runs the server side of the handshake, and then blocks this
// goroutine running the connection's request/response loop until it
// closes. Supervisor.reobserve only manages outbound connections
// (spec.md section 4.D); an inbound accept owns its own goroutine for
// the life of the socket instead.
func (srv *Server) handlePeerSocket(w http.ResponseWriter, r *http.Request) {
	id, conn, err := peerconn.Accept(w, r, srv.httpClient, srv.handler, srv.log)
	if err != nil {
		srv.log.Warn().Err(err).Msg("peer accept failed")
		return
	}
	srv.log.Info().Str("peer_url", id.URL).Int("peer_port", id.Port).Msg("peer connected")

	if err := conn.Run(); err != nil {
		srv.log.Info().Err(err).Str("peer_url", id.URL).Msg("peer connection closed")
	}
}
