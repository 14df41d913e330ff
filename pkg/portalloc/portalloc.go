// Package portalloc picks an unused host port from a configured range,
// narrowing (but not eliminating) the race against the backend's own
// bookkeeping with a short-lived in-process reservation table.
package portalloc

import (
	"sync"
	"time"

	"github.com/cloudforet-io/supervisor/pkg/supervisorerr"
)

// reservationTTL bounds how long a port stays provisionally claimed after
// Allocate returns it, before the next install on the same process is free
// to hand it out again if the backend hasn't reported it used yet.
const reservationTTL = 30 * time.Second

// Allocator picks ports out of [Start, End) that the backend does not
// already report as bound.
type Allocator struct {
	Start, End int

	mu           sync.Mutex
	reservations map[int]time.Time
}

// NewAllocator builds an Allocator over the half-open range [start, end).
func NewAllocator(start, end int) *Allocator {
	return &Allocator{Start: start, End: end, reservations: map[int]time.Time{}}
}

// Allocate returns any port in [Start, End) that is neither in usedPorts
// nor currently reserved by this process. Returns supervisorerr.ResourceExhausted
// when no such port exists.
func (a *Allocator) Allocate(usedPorts map[int]struct{}) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for port, reservedAt := range a.reservations {
		if now.Sub(reservedAt) > reservationTTL {
			delete(a.reservations, port)
		}
	}

	for port := a.Start; port < a.End; port++ {
		if _, used := usedPorts[port]; used {
			continue
		}
		if _, reserved := a.reservations[port]; reserved {
			continue
		}
		a.reservations[port] = now
		return port, nil
	}

	return 0, supervisorerr.ResourceExhausted("port range exhausted")
}

// Release drops a reservation early, e.g. after an install attempt fails
// and the port was never actually bound by the backend.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reservations, port)
}
