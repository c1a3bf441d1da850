package webservice

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
)

// External ports are handed out from a fixed range so the deployment's
// firewall rules can stay static.
const (
	portRangeStart = 9000
	portRangeEnd   = 9999

	portAllocRetries = 100
)

// PortAllocator hands out free host ports from the service range.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]struct{}
}

// NewPortAllocator creates an allocator with no reservations.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{reserved: make(map[int]struct{})}
}

// Allocate picks a free port by trial binding. The port is reserved until
// Release is called, so two services racing cannot pick the same one between
// the bind check and the container start.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := portRangeEnd - portRangeStart + 1
	for i := 0; i < portAllocRetries; i++ {
		port := portRangeStart + rand.Intn(span)
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !portFree(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d] after %d attempts", portRangeStart, portRangeEnd, portAllocRetries)
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
