package pipeline

import "github.com/attestmesh/node/pkg/envelope"

// leaseSet is the process-wide in-flight hash set spec.md section 4.D
// requires for the missing-envelope fetcher: a hash enters the set when a
// task leases it for fetching and leaves when the response arrives or the
// holding task drops its lease, so two peers never race to fetch the same
// hash. golang.org/x/sync/singleflight's Do doesn't fit this: its callback
// owns the entire fetch-and-release, but here the lease must survive a
// response arriving on an entirely different goroutine (the envelope
// processor), not the goroutine that issued the request. A hand-rolled
// mutex-guarded set matches the shape spec.md section 5 describes directly
// ("in-flight hash set (mutex, held only across a contains/insert pair)").
type leaseSet struct {
	mu      chan struct{}
	leased  map[envelope.Hash]struct{}
}

func newLeaseSet() *leaseSet {
	ls := &leaseSet{mu: make(chan struct{}, 1), leased: make(map[envelope.Hash]struct{})}
	ls.mu <- struct{}{}
	return ls
}

func (ls *leaseSet) lock()   { <-ls.mu }
func (ls *leaseSet) unlock() { ls.mu <- struct{}{} }

// TryLease files hashes as in-flight, returning only those not already
// leased by another task.
func (ls *leaseSet) TryLease(hashes []envelope.Hash) []envelope.Hash {
	ls.lock()
	defer ls.unlock()

	var fresh []envelope.Hash
	for _, h := range hashes {
		if _, ok := ls.leased[h]; ok {
			continue
		}
		ls.leased[h] = struct{}{}
		fresh = append(fresh, h)
	}
	if len(fresh) > 0 {
		InFlightFetches.Add(float64(len(fresh)))
	}
	return fresh
}

// Release drops hashes from the in-flight set, whether because the
// response arrived or because the holding task gave up on them.
func (ls *leaseSet) Release(hashes []envelope.Hash) {
	ls.lock()
	defer ls.unlock()

	released := 0
	for _, h := range hashes {
		if _, ok := ls.leased[h]; ok {
			delete(ls.leased, h)
			released++
		}
	}
	if released > 0 {
		InFlightFetches.Sub(float64(released))
	}
}
