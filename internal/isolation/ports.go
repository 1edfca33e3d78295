package isolation

import (
	"fmt"
	"sync"
)

// PortPool hands out ports from a fixed inclusive range. It is an index
// arena: allocation and release are O(range) bitmap operations with no
// external side effects, so rollback is deterministic.
type PortPool struct {
	low, high int
	inUse     map[int]bool
	mu        sync.Mutex
}

// NewPortPool creates a pool over [low, high]
func NewPortPool(low, high int) (*PortPool, error) {
	if low > high {
		return nil, fmt.Errorf("invalid port range %d..%d", low, high)
	}
	return &PortPool{
		low:   low,
		high:  high,
		inUse: make(map[int]bool),
	}, nil
}

// Acquire returns the lowest free port, or ok=false when the pool is
// exhausted.
func (p *PortPool) Acquire() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.low; port <= p.high; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, true
		}
	}
	return 0, false
}

// Reserve marks a specific port as in use, for crash recovery. Reserving
// a port outside the range or one already held is an error.
func (p *PortPool) Reserve(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.low || port > p.high {
		return fmt.Errorf("port %d outside pool %d..%d", port, p.low, p.high)
	}
	if p.inUse[port] {
		return fmt.Errorf("port %d already reserved", port)
	}
	p.inUse[port] = true
	return nil
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// Free returns the number of unallocated ports
func (p *PortPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high - p.low + 1 - len(p.inUse)
}
