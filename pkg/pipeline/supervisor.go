package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
	"github.com/attestmesh/node/pkg/peerconn"
	"github.com/attestmesh/node/pkg/store"
	"github.com/rs/zerolog"
)

// TipFetchRate is the nominal interval RunTipFetcher and RunPusher jitter
// around.
const TipFetchRate = 5 * time.Second

// Identity is this node's own announced identity, used for the client
// side of the handshake when dialing a peer.
type Identity = peerconn.Identity

// Supervisor owns one goroutine group per peer marked fetch_from or
// push_to, matching spec.md section 4.D's failure semantics: any task
// erroring aborts its sibling tasks for that peer, and the peer list is
// reobserved periodically so new or removed peers are picked up without
// a restart.
type Supervisor struct {
	store    *store.Store
	registry *peerconn.PendingAuthRegistry
	self     Identity
	log      zerolog.Logger
	leases   *leaseSet

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewSupervisor builds a Supervisor. Call Run in its own goroutine.
func NewSupervisor(s *store.Store, registry *peerconn.PendingAuthRegistry, self Identity, log zerolog.Logger) *Supervisor {
	return &Supervisor{store: s, registry: registry, self: self, log: log, leases: newLeaseSet(), active: make(map[string]context.CancelFunc)}
}

// Run reobserves the peer list every reobserveRate until ctx is
// cancelled, starting goroutine groups for new peers and cancelling them
// for peers no longer configured.
func (sup *Supervisor) Run(ctx context.Context, reobserveRate time.Duration) {
	ticker := time.NewTicker(reobserveRate)
	defer ticker.Stop()

	sup.reobserve(ctx)
	for {
		select {
		case <-ctx.Done():
			sup.stopAll()
			return
		case <-ticker.C:
			sup.reobserve(ctx)
		}
	}
}

func (sup *Supervisor) reobserve(ctx context.Context) {
	peers, err := sup.store.ListHiddenServices()
	if err != nil {
		sup.log.Warn().Err(err).Msg("listing hidden services")
		return
	}

	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		key := fmt.Sprintf("%s:%d", p.URL, p.Port)
		seen[key] = struct{}{}

		sup.mu.Lock()
		_, running := sup.active[key]
		sup.mu.Unlock()
		if running {
			continue
		}

		peerCtx, cancel := context.WithCancel(ctx)
		sup.mu.Lock()
		sup.active[key] = cancel
		sup.mu.Unlock()

		go sup.runPeer(peerCtx, p, key)
	}

	sup.mu.Lock()
	for key, cancel := range sup.active {
		if _, ok := seen[key]; !ok {
			cancel()
			delete(sup.active, key)
		}
	}
	sup.mu.Unlock()
}

func (sup *Supervisor) stopAll() {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	for key, cancel := range sup.active {
		cancel()
		delete(sup.active, key)
	}
}

// runPeer dials svc, then runs the fetch triple and/or push task as its
// policy dictates, tearing down every sibling task the moment one errs.
func (sup *Supervisor) runPeer(ctx context.Context, svc store.HiddenService, label string) {
	defer func() {
		sup.mu.Lock()
		delete(sup.active, label)
		sup.mu.Unlock()
	}()

	peerURL := peerAddress(svc)
	handler := ServerHandler(sup.store)

	conn, err := peerconn.Dial(peerURL, sup.registry, sup.self, handler, sup.log)
	if err != nil {
		sup.log.Warn().Err(err).Str("peer", label).Msg("dialing peer")
		return
	}
	defer conn.Close()

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	connErr := make(chan error, 1)
	go func() { connErr <- conn.Run() }()

	client := &peerClient{conn: conn}

	var wg sync.WaitGroup
	taskErr := make(chan error, 5)

	if svc.Fetch {
		fetched := make(chan []*envelope.Envelope, 8)
		missing := make(chan []envelope.Hash, 8)
		leases := sup.leases

		wg.Add(1)
		go func() {
			defer wg.Done()
			taskErr <- RunTipFetcher(connCtx, client, TipFetchRate, fetched)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskErr <- RunMissingFetcher(connCtx, client, leases, missing, fetched)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc := NewProcessor(sup.store, svc.Unsolicited, label, missing)
			taskErr <- drainProcessor(connCtx, proc, fetched)
		}()
	}

	if svc.Push {
		wg.Add(1)
		go func() {
			defer wg.Done()
			taskErr <- RunPusher(connCtx, client, sup.store, TipFetchRate)
		}()
	}

	select {
	case err := <-connErr:
		sup.log.Warn().Err(err).Str("peer", label).Msg("peer connection ended")
	case err := <-taskErr:
		sup.log.Warn().Err(err).Str("peer", label).Msg("peer task ended")
	case <-ctx.Done():
	}
	cancelConn()
	conn.Close()
	wg.Wait()
}

// drainProcessor feeds every batch arriving on in through proc until ctx
// is cancelled or a batch fails to process.
func drainProcessor(ctx context.Context, proc *Processor, in <-chan []*envelope.Envelope) error {
	for {
		select {
		case batch := <-in:
			if err := proc.ProcessBatch(ctx, batch); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func peerAddress(svc store.HiddenService) string {
	return fmt.Sprintf("ws://%s:%d", svc.URL, svc.Port)
}
