// Package ports tracks exclusive ownership of TCP/UDP port numbers drawn
// from configured ranges. A single allocation index is shared by all ranges
// so a control-range port and a tunnel-range port can never be handed out
// twice, even if an operator misconfigures overlapping ranges.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrExhausted = errors.New("port_range_exhausted")

type Range struct {
	Start int
	End   int
}

func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

func (r Range) Valid() bool {
	return r.Start > 0 && r.Start <= r.End && r.End <= 65535
}

type Allocator struct {
	mu        sync.Mutex
	allocated map[int]string // port -> server_id
}

func NewAllocator() *Allocator {
	return &Allocator{allocated: map[int]string{}}
}

// Allocate reserves the lowest free port in r for serverID. Released
// ports become the next candidates again.
func (a *Allocator) Allocate(r Range, serverID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := r.Start; port <= r.End; port++ {
		if _, taken := a.allocated[port]; !taken {
			a.allocated[port] = serverID
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees a port. Releasing an unallocated port is a no-op so removal
// paths can be retried safely.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

func (a *Allocator) IsAllocated(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[port]
	return ok
}

func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.allocated[port]
	return id, ok
}

// Restore re-indexes a port during recovery. Unlike Allocate it takes the
// exact port number and fails on conflict instead of scanning.
func (a *Allocator) Restore(port int, serverID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, taken := a.allocated[port]; taken && owner != serverID {
		return fmt.Errorf("port %d already held by %s", port, owner)
	}
	a.allocated[port] = serverID
	return nil
}

// Allocated returns a copy of the allocation index.
func (a *Allocator) Allocated() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.allocated))
	for p, id := range a.allocated {
		out[p] = id
	}
	return out
}
