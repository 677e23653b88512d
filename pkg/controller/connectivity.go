package controller

import "sync/atomic"

// Connectivity is the host's online/offline signal. Changes may be nil when the
// host can only be polled.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// StaticConnectivity is a Connectivity whose state is set by hand, e.g. from a
// platform network callback or in tests.
type StaticConnectivity struct {
	online  atomic.Bool
	changes chan bool
}

// NewStaticConnectivity creates a StaticConnectivity in the given state.
func NewStaticConnectivity(online bool) *StaticConnectivity {
	c := &StaticConnectivity{changes: make(chan bool, 1)}
	c.online.Store(online)
	return c
}

// Online reports the current state.
func (c *StaticConnectivity) Online() bool {
	return c.online.Load()
}

// Changes delivers the latest state after each Set. Only the newest state is
// kept if the reader falls behind.
func (c *StaticConnectivity) Changes() <-chan bool {
	return c.changes
}

// Set records a new state and signals it.
func (c *StaticConnectivity) Set(online bool) {
	c.online.Store(online)
	for {
		select {
		case c.changes <- online:
			return
		default:
		}
		select {
		case <-c.changes:
		default:
		}
	}
}
