package scanning

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ResourceManager bounds how many probes may hold a socket at once and keeps
// a registry of the units currently in flight.
type ResourceManager interface {
	// Acquire blocks until a slot for unit is available or ctx is done.
	Acquire(ctx context.Context, unit ProbeUnit) error

	// Release frees the slot held by unit. Releasing a unit that holds no
	// slot is a no-op.
	Release(unit ProbeUnit)

	// InFlight returns the units currently holding a slot, in report order.
	InFlight() []ProbeUnit

	// GetAvailableSlots returns the number of free global slots.
	GetAvailableSlots() int

	// Close rejects further acquisitions and forgets all holders.
	Close() error
}

// FixedResourceManager implements ResourceManager with a global slot count
// and a smaller UDP sub-limit. UDP probes hold one slot of each, so the
// total in flight never exceeds the global capacity.
type FixedResourceManager struct {
	capacity     int
	udpCapacity  int
	semaphore    chan struct{}
	udpSemaphore chan struct{}
	inFlight     map[ProbeUnit]time.Time
	mutex        sync.RWMutex
	closed       bool
}

// NewFixedResourceManager creates a manager with capacity global slots of
// which at most udpCapacity may be used by UDP probes. A udpCapacity of zero
// or above capacity means UDP is limited only by the global capacity.
func NewFixedResourceManager(capacity, udpCapacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}
	if udpCapacity <= 0 || udpCapacity > capacity {
		udpCapacity = capacity
	}

	return &FixedResourceManager{
		capacity:     capacity,
		udpCapacity:  udpCapacity,
		semaphore:    make(chan struct{}, capacity),
		udpSemaphore: make(chan struct{}, udpCapacity),
		inFlight:     make(map[ProbeUnit]time.Time),
	}
}

// Acquire takes the UDP slot first so that a waiting UDP probe never sits
// on a global slot a TCP probe could use.
func (rm *FixedResourceManager) Acquire(ctx context.Context, unit ProbeUnit) error {
	rm.mutex.RLock()
	closed := rm.closed
	rm.mutex.RUnlock()
	if closed {
		return fmt.Errorf("resource manager is closed")
	}

	if unit.Protocol == UDP {
		select {
		case rm.udpSemaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case rm.semaphore <- struct{}{}:
	case <-ctx.Done():
		if unit.Protocol == UDP {
			<-rm.udpSemaphore
		}
		return ctx.Err()
	}

	rm.mutex.Lock()
	rm.inFlight[unit] = time.Now()
	rm.mutex.Unlock()
	return nil
}

// Release releases the slot held by unit.
func (rm *FixedResourceManager) Release(unit ProbeUnit) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.inFlight[unit]; !exists {
		return
	}
	delete(rm.inFlight, unit)

	select {
	case <-rm.semaphore:
	default:
	}
	if unit.Protocol == UDP {
		select {
		case <-rm.udpSemaphore:
		default:
		}
	}
}

// InFlight returns a snapshot of the units holding a slot.
func (rm *FixedResourceManager) InFlight() []ProbeUnit {
	rm.mutex.RLock()
	units := make([]ProbeUnit, 0, len(rm.inFlight))
	for u := range rm.inFlight {
		units = append(units, u)
	}
	rm.mutex.RUnlock()

	slices.SortFunc(units, compareUnits)
	return units
}

// GetActiveProbes returns the number of probes holding a slot.
func (rm *FixedResourceManager) GetActiveProbes() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return len(rm.inFlight)
}

// GetAvailableSlots returns the number of free global slots.
func (rm *FixedResourceManager) GetAvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	return rm.capacity - len(rm.inFlight)
}

// Close gracefully shuts down the resource manager.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.closed {
		return nil
	}

	rm.closed = true
	rm.inFlight = make(map[ProbeUnit]time.Time)

	for {
		select {
		case <-rm.semaphore:
		case <-rm.udpSemaphore:
		default:
			return nil
		}
	}
}

// GetStats returns statistics about the resource manager.
func (rm *FixedResourceManager) GetStats() map[string]interface{} {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	udp := 0
	var oldest time.Duration
	now := time.Now()
	for u, started := range rm.inFlight {
		if u.Protocol == UDP {
			udp++
		}
		if age := now.Sub(started); age > oldest {
			oldest = age
		}
	}

	return map[string]interface{}{
		"capacity":        rm.capacity,
		"udp_capacity":    rm.udpCapacity,
		"in_flight":       len(rm.inFlight),
		"udp_in_flight":   udp,
		"available_slots": rm.capacity - len(rm.inFlight),
		"oldest_probe":    oldest.String(),
		"closed":          rm.closed,
	}
}
