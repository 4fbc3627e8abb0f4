package peerconn

import (
	"fmt"
	"sync"
)

// PendingAuthRegistry correlates the HTTP side-channel delivery of a
// handshake secret (POSTed to this node's /authenticate endpoint by a
// peer we're connecting out to) with the goroutine blocked on the
// original socket waiting to relay it back. Keyed by the (url, port)
// passed to Register and Deliver: ClientHandshake registers under this
// node's own identity and /authenticate delivers under it, since spec.md
// section 4.C's side channel carries no connection id of its own. So only
// one outbound handshake waits at a time; a later Register for the same
// key replaces the earlier one.
type PendingAuthRegistry struct {
	mu      sync.Mutex
	pending map[string]chan [32]byte
}

// NewPendingAuthRegistry returns an empty registry.
func NewPendingAuthRegistry() *PendingAuthRegistry {
	return &PendingAuthRegistry{pending: make(map[string]chan [32]byte)}
}

func peerKey(url string, port int) string {
	return fmt.Sprintf("%s:%d", url, port)
}

// Register arms a wait for a secret destined for (url, port). The
// returned channel receives exactly one value; cancel must be called
// once the waiter is done, whether it received a value or not.
func (r *PendingAuthRegistry) Register(url string, port int) (ch <-chan [32]byte, cancel func()) {
	key := peerKey(url, port)
	c := make(chan [32]byte, 1)

	r.mu.Lock()
	r.pending[key] = c
	r.mu.Unlock()

	return c, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending[key] == c {
			delete(r.pending, key)
		}
	}
}

// Deliver routes a secret received over the HTTP side channel to the
// waiter registered for (url, port), if any. It returns false if nothing
// is waiting.
func (r *PendingAuthRegistry) Deliver(url string, port int, secret [32]byte) bool {
	r.mu.Lock()
	c, ok := r.pending[peerKey(url, port)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case c <- secret:
		return true
	default:
		return false
	}
}
