package store

import "sync"

// Notifier implements the "notify_one"/"notify_all" wakeup primitive the
// concurrency model (spec.md section 5) calls for, using the standard Go
// broadcast-closed-channel idiom: Wait returns a channel that closes the
// next time Broadcast is called, so any number of waiters can select on
// it without missing a signal or needing a condition variable.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier returns a ready Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Broadcast is called.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// Broadcast wakes every current waiter and arms a fresh channel for the
// next round.
func (n *Notifier) Broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
