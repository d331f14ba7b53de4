// Package portpool implements the bounded, contiguous TCP port range the
// broker allocates session ports from: a FIFO available queue plus a
// reserved set, guarded by a single mutex.
package portpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoCapacity is returned by Request when the available queue is empty.
var ErrNoCapacity = errors.New("portpool: no capacity")

// Status is a point-in-time snapshot of the pool, returned by Status().
type Status struct {
	Total          int
	ReservedCount  int
	AvailableCount int
	ReservedList   []int
	RangeString    string
}

// Pool is a FIFO allocator over the half-open range [start, end).
type Pool struct {
	mu        sync.Mutex
	start     int
	end       int
	available []int
	reserved  map[int]struct{}
}

// New creates a pool over [start, end) with every port initially available.
func New(start, end int) (*Pool, error) {
	if end <= start {
		return nil, fmt.Errorf("portpool: invalid range [%d, %d)", start, end)
	}

	p := &Pool{
		start:    start,
		end:      end,
		reserved: make(map[int]struct{}),
	}
	for port := start; port < end; port++ {
		p.available = append(p.available, port)
	}
	return p, nil
}

// Request removes and returns the head of the available queue, marking it
// reserved. Returns ErrNoCapacity when the queue is empty.
func (p *Pool) Request() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, ErrNoCapacity
	}

	port := p.available[0]
	p.available = p.available[1:]
	p.reserved[port] = struct{}{}
	return port, nil
}

// Release moves a reserved port back to the tail of the available queue.
// Releasing a port that isn't reserved is a no-op, making Release
// idempotent -- callers may call it speculatively during error cleanup.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reserved[port]; !ok {
		return
	}
	delete(p.reserved, port)
	p.available = append(p.available, port)
}

// Status returns a snapshot of pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	reservedList := make([]int, 0, len(p.reserved))
	for port := range p.reserved {
		reservedList = append(reservedList, port)
	}
	sort.Ints(reservedList)

	return Status{
		Total:          p.end - p.start,
		ReservedCount:  len(p.reserved),
		AvailableCount: len(p.available),
		ReservedList:   reservedList,
		RangeString:    fmt.Sprintf("%d-%d", p.start, p.end-1),
	}
}
