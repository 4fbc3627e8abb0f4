package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/store"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// tipData mirrors original_source's control::server::TipData: an
// envelope alongside its own canonical hash, since the hash is not
// reconstructible from the envelope's serialized form until it is
// rehashed.
type tipData struct {
	Envelope *envelope.Envelope `json:"envelope"`
	Hash     envelope.Hash      `json:"hash"`
}

type statusResponse struct {
	Peers     []store.HiddenService `json:"peers"`
	Tips      []tipData             `json:"tips"`
	AllUsers  []store.UserSummary   `json:"all_users"`
	UptimeSec int64                 `json:"uptime_seconds"`
}

// handleStatus is GET /status: every configured peer, every user's
// current tip, and the full user list with whether this node holds the
// corresponding private key.
func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers, err := srv.store.ListHiddenServices()
	if err != nil {
		writeJSONError(w, "listing peers: "+err.Error(), http.StatusInternalServerError)
		return
	}
	tips, err := srv.store.GetTipsForAllUsers()
	if err != nil {
		writeJSONError(w, "listing tips: "+err.Error(), http.StatusInternalServerError)
		return
	}
	users, err := srv.store.AllUsers()
	if err != nil {
		writeJSONError(w, "listing users: "+err.Error(), http.StatusInternalServerError)
		return
	}

	tipRows := make([]tipData, 0, len(tips))
	for _, t := range tips {
		tipRows = append(tipRows, tipData{Envelope: t, Hash: t.CanonicalHash()})
	}

	writeJSON(w, statusResponse{
		Peers:     peers,
		Tips:      tipRows,
		AllUsers:  users,
		UptimeSec: int64(time.Since(srv.startedAt).Seconds()),
	})
}

type serviceRequest struct {
	URL         string `json:"url"`
	Port        int    `json:"port"`
	Fetch       bool   `json:"fetch"`
	Push        bool   `json:"push"`
	Unsolicited bool   `json:"unsolicited"`
}

type outcome struct {
	Success bool `json:"success"`
}

// handleService is POST /service: upsert a peer's connection policy
// (spec.md section 4.D names fetch_from/push_to/unsolicited per peer).
func (srv *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		writeJSONError(w, "url is required", http.StatusBadRequest)
		return
	}

	err := srv.store.UpsertHiddenService(store.HiddenService{
		URL: req.URL, Port: req.Port, Fetch: req.Fetch, Push: req.Push, Unsolicited: req.Unsolicited,
	})
	if err != nil {
		writeJSONError(w, "upserting peer: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, outcome{Success: true})
}

type pushMessageRequest struct {
	Key envelope.Key    `json:"key"`
	Msg json.RawMessage `json:"msg"`
}

// handlePushMessageDangerous is POST /push_message_dangerous: wrap msg
// into the next envelope of key's chain and insert it, bypassing every
// normal submission path. It is "dangerous" because it signs and inserts
// unconditionally with whatever key this node happens to hold for key --
// there is no human-in-the-loop review, matching the original's name and
// its operator-only control API placement.
func (srv *Server) handlePushMessageDangerous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	signingKey, err := srv.store.PrivateKeyForKey(req.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "unknown key", http.StatusBadRequest)
			return
		}
		writeJSONError(w, "looking up key: "+err.Error(), http.StatusInternalServerError)
		return
	}

	signed, err := srv.store.WrapMessage(req.Key, signingKey, req.Msg, store.TipControl{Kind: store.AllTips})
	if err != nil {
		writeJSONError(w, "wrapping message: "+err.Error(), http.StatusInternalServerError)
		return
	}
	auth, err := envelope.Authenticate(signed)
	if err != nil {
		writeJSONError(w, "self-authenticating message: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := srv.store.TryInsertAuthenticated(auth); err != nil {
		writeJSONError(w, "inserting message: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, outcome{Success: true})
}

type makeGenesisRequest struct {
	Nickname string `json:"nickname"`
}

// handleMakeGenesis is POST /make_genesis: mint a fresh secp256k1
// keypair, commit its first nonce, sign and insert a genesis envelope
// for it, and hand the signed genesis back to the caller. Mirrors
// original_source's generate_new_user + insert_user_by_genesis_envelope.
func (srv *Server) handleMakeGenesis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req makeGenesisRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		writeJSONError(w, "generating keypair: "+err.Error(), http.StatusInternalServerError)
		return
	}
	key := envelope.KeyFromPrivate(priv)

	// genesisNonce.Public is committed into the genesis header's next_nonce
	// so that the first child envelope can consume its secret via
	// GetSecretForPublicNonce; unlike that nonce, the one used to sign the
	// genesis envelope itself is ephemeral and never persisted.
	genesisNoncePublic, err := srv.store.GenerateFreshNonce(key)
	if err != nil {
		writeJSONError(w, "generating nonce: "+err.Error(), http.StatusInternalServerError)
		return
	}
	signingNonce, err := envelope.GenerateNonce()
	if err != nil {
		writeJSONError(w, "generating nonce: "+err.Error(), http.StatusInternalServerError)
		return
	}

	unsigned := envelope.NewGenesis(key, genesisNoncePublic, json.RawMessage(`null`), time.Now().UnixMilli())
	signed, err := envelope.Sign(unsigned, priv, signingNonce)
	if err != nil {
		writeJSONError(w, "signing genesis: "+err.Error(), http.StatusInternalServerError)
		return
	}
	auth, err := envelope.Authenticate(signed)
	if err != nil {
		writeJSONError(w, "self-authenticating genesis: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := srv.store.SavePrivateKey(key, priv, genesisKeyLabel); err != nil {
		writeJSONError(w, "saving keypair: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := srv.store.InsertUserByGenesis(req.Nickname, auth); err != nil {
		writeJSONError(w, "creating genesis message: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, signed)
}
