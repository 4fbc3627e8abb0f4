// Package sequencer implements the Host Sequencer from spec.md section
// 4.E: it walks a distinguished host key's envelope chain by height and
// turns the host's own broadcast messages into a totally ordered stream
// of (move, author_key) pairs drawn from the envelopes the host's
// Sequence messages reference.
package sequencer

import (
	"encoding/json"

	"github.com/attestmesh/node/pkg/envelope"
)

// BroadcastKind discriminates the host's own tagged-union message shape.
type BroadcastKind string

const (
	BroadcastGameSetup BroadcastKind = "game_setup"
	BroadcastSequence  BroadcastKind = "sequence"
	BroadcastNewPeer   BroadcastKind = "new_peer"
	BroadcastHeartbeat BroadcastKind = "heartbeat"
)

// BroadcastByHost is the host's envelope payload shape: exactly one of
// the four fields below is populated, selected by Kind.
type BroadcastByHost struct {
	Kind     BroadcastKind   `json:"kind"`
	GameSetup *json.RawMessage `json:"game_setup,omitempty"`
	Sequence  []envelope.Hash  `json:"sequence,omitempty"`
	NewPeer   *HostPeer        `json:"new_peer,omitempty"`
}

// HostPeer is the payload of a NewPeer broadcast.
type HostPeer struct {
	URL         string `json:"url"`
	Port        int    `json:"port"`
	Fetch       bool   `json:"fetch"`
	Push        bool   `json:"push"`
	Unsolicited bool   `json:"unsolicited"`
}

// Move is a deserialized application move alongside the key of the
// author whose envelope carried it.
type Move struct {
	Data   []byte
	Author envelope.Key
}
