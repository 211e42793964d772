package toolscore

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out ports from a configured range, verifying each
// candidate with a real bind so two servers can never share a port.
type PortAllocator struct {
	lo, hi int

	mu    sync.Mutex
	taken map[int]bool
}

// NewPortAllocator creates an allocator over [lo, hi].
func NewPortAllocator(lo, hi int) (*PortAllocator, error) {
	if lo <= 0 || hi < lo {
		return nil, fmt.Errorf("invalid port range [%d,%d]", lo, hi)
	}
	return &PortAllocator{lo: lo, hi: hi, taken: make(map[int]bool)}, nil
}

// Allocate picks the lowest free port in the range. The port is recorded
// as taken before the caller launches anything on it.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.lo; port <= a.hi; port++ {
		if a.taken[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue // something else holds it
		}
		_ = l.Close()
		a.taken[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range [%d,%d]", a.lo, a.hi)
}

// Reserve marks a port as taken without a verification bind, used when
// resuming servers from a snapshot that already records their port.
func (a *PortAllocator) Reserve(port int) {
	a.mu.Lock()
	a.taken[port] = true
	a.mu.Unlock()
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.taken, port)
	a.mu.Unlock()
}
