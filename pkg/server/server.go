// Package server is the node's operator-facing control API plus the HTTP
// side channel the peer handshake relies on (spec.md section 6's "Control
// API (operator-facing)" and the `/authenticate` endpoint from section
// 4.C). It follows the teacher's pkg/server style (see the now-removed
// attestation/batch handlers this package replaced) in its shared
// writeJSONError helper and per-route method checks instead of a router
// library; every handler is a method on the one Server struct.
package server

import (
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/attestmesh/node/pkg/peerconn"
	"github.com/attestmesh/node/pkg/pipeline"
	"github.com/attestmesh/node/pkg/store"
)

// Server wires the message store, the peer-auth side channel and this
// node's own identity into the control API's http.Handler.
type Server struct {
	store      *store.Store
	registry   *peerconn.PendingAuthRegistry
	self       peerconn.Identity
	httpClient *http.Client
	handler    peerconn.RequestHandler
	startedAt  time.Time
	log        zerolog.Logger
}

// New builds a Server. self is this node's own (url, port) identity, the
// same one passed to peerconn.Dial for outbound handshakes.
func New(s *store.Store, registry *peerconn.PendingAuthRegistry, self peerconn.Identity, log zerolog.Logger) *Server {
	return &Server{
		store:      s,
		registry:   registry,
		self:       self,
		httpClient: peerconn.DefaultHTTPClient(),
		handler:    pipeline.ServerHandler(s),
		startedAt:  time.Now(),
		log:        log.With().Str("component", "control_api").Logger(),
	}
}

// Router builds the control API's http.Handler. Every route tolerates
// CORS (spec.md section 6), matching the teacher's liberal rs/cors setup
// for operator-facing endpoints.
func (srv *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/service", srv.handleService)
	mux.HandleFunc("/push_message_dangerous", srv.handlePushMessageDangerous)
	mux.HandleFunc("/make_genesis", srv.handleMakeGenesis)
	mux.HandleFunc("/authenticate", srv.handleAuthenticate)
	mux.HandleFunc("/peer", srv.handlePeerSocket)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message})
}

// genesisKeyLabel tags private keys minted for a locally-created genesis
// chain, distinguishing them from keys imported some other way.
const genesisKeyLabel = "make_genesis"
