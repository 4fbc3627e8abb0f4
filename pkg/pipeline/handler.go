package pipeline

import (
	"encoding/json"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/peerconn"
	"github.com/attestmesh/node/pkg/store"
)

// ServerHandler answers a peer's inbound requests against the local
// store: LatestTips, SpecificTips, and Post. Used as the RequestHandler
// passed to peerconn.NewConnection on the accepting side.
func ServerHandler(s *store.Store) peerconn.RequestHandler {
	return func(req *peerconn.Request) *peerconn.Response {
		switch req.Kind {
		case peerconn.RequestLatestTips:
			return handleLatestTips(s, req)
		case peerconn.RequestSpecificTips:
			return handleSpecificTips(s, req)
		case peerconn.RequestPost:
			return handlePost(s, req)
		default:
			return nil
		}
	}
}

func handleLatestTips(s *store.Store, req *peerconn.Request) *peerconn.Response {
	envs, err := s.GetTipsForAllUsers()
	if err != nil {
		envs = nil
	}
	body, _ := json.Marshal(peerconn.EnvelopesResponse{Envelopes: envs})
	return &peerconn.Response{Seq: req.Seq, Kind: peerconn.ResponseLatestTips, Body: body}
}

func handleSpecificTips(s *store.Store, req *peerconn.Request) *peerconn.Response {
	var in peerconn.SpecificTipsRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		body, _ := json.Marshal(peerconn.EnvelopesResponse{})
		return &peerconn.Response{Seq: req.Seq, Kind: peerconn.ResponseSpecificTips, Body: body}
	}
	envs, err := s.MessagesByHash(in.Hashes)
	if err != nil {
		envs = nil
	}
	body, _ := json.Marshal(peerconn.EnvelopesResponse{Envelopes: envs})
	return &peerconn.Response{Seq: req.Seq, Kind: peerconn.ResponseSpecificTips, Body: body}
}

func handlePost(s *store.Store, req *peerconn.Request) *peerconn.Response {
	var in peerconn.PostRequest
	outcomes := []peerconn.Outcome{}
	if err := json.Unmarshal(req.Body, &in); err == nil {
		for _, e := range in.Envelopes {
			outcomes = append(outcomes, peerconn.Outcome{Success: acceptEnvelope(s, e, false)})
		}
	}
	body, _ := json.Marshal(peerconn.PostResponse{Outcomes: outcomes})
	return &peerconn.Response{Seq: req.Seq, Kind: peerconn.ResponsePost, Body: body}
}

// acceptEnvelope authenticates and inserts e, per spec.md section 4.D: a
// genesis envelope from an unknown author is only accepted when
// allowUnsolicited is set; a non-genesis envelope from an author this
// node has no user row for at all is dropped regardless (the store
// itself tolerates a child arriving before its genesis for S2, but that
// tolerance is not license to accept chains with no user record
// whatsoever -- see pkg/pipeline.Processor.insert).
func acceptEnvelope(s *store.Store, e *envelope.Envelope, allowUnsolicited bool) bool {
	auth, err := envelope.Authenticate(e)
	if err != nil {
		return false
	}
	if e.Header.Ancestors == nil {
		if !allowUnsolicited {
			if _, err := s.GetTipForUserByKey(e.Header.Key); err != nil {
				return false
			}
		}
		_, err := s.InsertUserByGenesis(e.Header.Key.String(), auth)
		return err == nil
	}
	known, err := s.UserExists(e.Header.Key)
	if err != nil || !known {
		return false
	}
	return s.TryInsertAuthenticated(auth) == nil
}
