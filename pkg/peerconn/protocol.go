// Package peerconn implements the Peer Connection protocol: a framed,
// length-tagged JSON duplex stream per peer, with a one-shot handshake
// that proves the remote end controls the URL it claims, and a
// seq-keyed request/response loop on top.
package peerconn

import (
	"encoding/json"

	"github.com/attestmesh/node/pkg/envelope"
)

// RequestKind discriminates the three request shapes the protocol
// supports.
type RequestKind string

const (
	RequestLatestTips   RequestKind = "latest_tips"
	RequestSpecificTips RequestKind = "specific_tips"
	RequestPost         RequestKind = "post"
)

// Request is one outbound ask, tagged with a sequence number the
// response must echo.
type Request struct {
	Seq  uint64          `json:"seq"`
	Kind RequestKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// SpecificTipsRequest is the body of a RequestSpecificTips request.
type SpecificTipsRequest struct {
	Hashes []envelope.Hash `json:"hashes"`
}

// PostRequest is the body of a RequestPost request.
type PostRequest struct {
	Envelopes []*envelope.Envelope `json:"envelopes"`
}

// ResponseKind discriminates the response shapes. A response's kind must
// match the discriminant its request expects, or the connection is torn
// down per spec.md section 4.C.
type ResponseKind string

const (
	ResponseLatestTips   ResponseKind = "latest_tips"
	ResponseSpecificTips ResponseKind = "specific_tips"
	ResponsePost         ResponseKind = "post"
)

// Response answers a Request with the same Seq.
type Response struct {
	Seq  uint64          `json:"seq"`
	Kind ResponseKind    `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// EnvelopesResponse is the body of LatestTips and SpecificTips responses.
type EnvelopesResponse struct {
	Envelopes []*envelope.Envelope `json:"envelopes"`
}

// Outcome reports whether one posted envelope was accepted.
type Outcome struct {
	Success bool `json:"success"`
}

// PostResponse is the body of a Post response.
type PostResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Frame is the top-level shape written to and read from the wire: every
// length-tagged JSON frame is either a Request or a Response, and exactly
// one of the two fields is set.
type Frame struct {
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// expectedResponseKind returns the ResponseKind a Request of kind k must
// be answered with.
func expectedResponseKind(k RequestKind) ResponseKind {
	switch k {
	case RequestLatestTips:
		return ResponseLatestTips
	case RequestSpecificTips:
		return ResponseSpecificTips
	case RequestPost:
		return ResponsePost
	default:
		return ""
	}
}
