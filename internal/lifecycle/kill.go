// Package lifecycle carries the single cancellation primitive shared by every
// long-running task in a test scenario: a kill broadcast that fires once and
// stays fired.
package lifecycle

import "sync"

// KillSwitch is a one-shot broadcast. Trip closes the underlying channel so
// every task selecting on Done unblocks; later Trips are no-ops.
type KillSwitch struct {
	once sync.Once
	ch   chan struct{}
}

func NewKillSwitch() *KillSwitch {
	return &KillSwitch{ch: make(chan struct{})}
}

// Trip fires the broadcast. Safe to call from any goroutine, any number of times.
func (k *KillSwitch) Trip() {
	k.once.Do(func() { close(k.ch) })
}

// Done returns the channel tasks select on for scenario-wide shutdown.
func (k *KillSwitch) Done() <-chan struct{} {
	return k.ch
}

// Tripped reports whether the broadcast has fired without blocking.
func (k *KillSwitch) Tripped() bool {
	select {
	case <-k.ch:
		return true
	default:
		return false
	}
}
