package lib

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// PortPool hands out ephemeral local ports in random order. Free ports sit in
// a ring; allocated ports are tracked with their allocation time.
type PortPool struct {
	ports        []uint16
	minPort      uint16
	maxPort      uint16
	readIdx      int
	free         int
	allocatedMap map[uint16]time.Time
	mtx          sync.Mutex
}

func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1

	ports := make([]uint16, capacity)
	for i, v := range rand.Perm(capacity) {
		ports[i] = uint16(minPort + v)
	}

	return &PortPool{
		ports:        ports,
		minPort:      uint16(minPort),
		maxPort:      uint16(maxPort),
		free:         capacity,
		allocatedMap: make(map[uint16]time.Time),
	}
}

func (p *PortPool) allocatePort() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.free == 0 {
		return 0, ErrNoPorts
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % len(p.ports)
	p.free--
	p.allocatedMap[port] = time.Now()

	return port, nil
}

func (p *PortPool) returnPort(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("port %d out of range %d-%d", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return fmt.Errorf("port %d was not allocated", port)
	}

	writeIdx := (p.readIdx + p.free) % len(p.ports)
	p.ports[writeIdx] = port
	p.free++
	delete(p.allocatedMap, port)

	return nil
}

func (p *PortPool) isAllocated(port uint16) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, ok := p.allocatedMap[port]
	return ok
}

func (p *PortPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.free
}
