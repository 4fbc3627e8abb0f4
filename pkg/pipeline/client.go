package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/peerconn"
)

// ErrProtocol wraps a connection that closed before the request's
// response arrived.
var ErrProtocol = errors.New("pipeline: protocol error")

// peerClient issues typed requests over a *peerconn.Connection and decodes
// the matching response body. The connection's own Run loop must already
// be driving in another goroutine.
type peerClient struct {
	conn *peerconn.Connection
}

func (c *peerClient) roundTrip(ctx context.Context, kind peerconn.RequestKind, body interface{}) (*peerconn.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req := &peerconn.Request{Seq: c.conn.NextSeq(), Kind: kind, Body: raw}
	ch, err := c.conn.Send(req)
	if err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("%w: connection closed awaiting %s", ErrProtocol, kind)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LatestTips asks the peer for the current tip of every chain it knows.
func (c *peerClient) LatestTips(ctx context.Context) ([]*envelope.Envelope, error) {
	resp, err := c.roundTrip(ctx, peerconn.RequestLatestTips, struct{}{})
	if err != nil {
		return nil, err
	}
	var body peerconn.EnvelopesResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, err
	}
	return body.Envelopes, nil
}

// SpecificTips asks the peer for the envelopes at exactly the given
// hashes.
func (c *peerClient) SpecificTips(ctx context.Context, hashes []envelope.Hash) ([]*envelope.Envelope, error) {
	resp, err := c.roundTrip(ctx, peerconn.RequestSpecificTips, peerconn.SpecificTipsRequest{Hashes: hashes})
	if err != nil {
		return nil, err
	}
	var body peerconn.EnvelopesResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, err
	}
	return body.Envelopes, nil
}

// Post pushes envelopes to the peer and returns per-envelope outcomes.
func (c *peerClient) Post(ctx context.Context, envelopes []*envelope.Envelope) ([]peerconn.Outcome, error) {
	resp, err := c.roundTrip(ctx, peerconn.RequestPost, peerconn.PostRequest{Envelopes: envelopes})
	if err != nil {
		return nil, err
	}
	var body peerconn.PostResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, err
	}
	return body.Outcomes, nil
}
