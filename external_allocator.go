package devmem

import (
	"fmt"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/transfer"
	"golang.org/x/exp/slog"
)

// ExternalAllocator delegates allocation and release to caller-supplied
// functions, typically a device memory pool owned by a framework embedding
// this runtime. Device affinity is the external party's responsibility, so
// no context guard runs here.
//
// Unlike the other variants, the reservation bookkeeping is guarded by an
// internal mutex: the external functions may be driven concurrently from
// outside this runtime's control, so correctness of the reserved set
// cannot be delegated to a caller-side lock.
type ExternalAllocator struct {
	logger *slog.Logger
	info   Identity

	alloc      func(size int) driver.Ptr
	free       func(ptr driver.Ptr)
	emptyCache func()

	mutex    sync.Mutex
	reserved *swiss.Map[driver.Ptr, struct{}]

	externalAllocs int
}

var _ ReservingAllocator = (*ExternalAllocator)(nil)

// Info reports the allocator's device and memory kind.
func (a *ExternalAllocator) Info() Identity {
	return a.info
}

// Alloc requests size bytes from the external allocate function. The
// external party is contractually required to either succeed or raise its
// own error, so a null return for a non-zero size is a contract violation
// and panics.
func (a *ExternalAllocator) Alloc(size int) (driver.Ptr, error) {
	a.logger.Debug("ExternalAllocator::Alloc")

	if size == 0 {
		return driver.NullPtr, nil
	}

	ptr := a.alloc(size)
	if ptr == driver.NullPtr {
		panic(fmt.Sprintf("the external allocator for device %d returned a null address for %d bytes", a.info.DeviceID, size))
	}

	a.mutex.Lock()
	a.externalAllocs++
	a.mutex.Unlock()

	return ptr, nil
}

// Reserve allocates an address and marks it reserved, so its release is
// reported through the eviction callback. Reserving the same address twice
// is a programming error and panics.
func (a *ExternalAllocator) Reserve(size int) (driver.Ptr, error) {
	a.logger.Debug("ExternalAllocator::Reserve")

	ptr, err := a.Alloc(size)
	if err != nil || ptr == driver.NullPtr {
		return driver.NullPtr, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, ok := a.reserved.Get(ptr); ok {
		panic(fmt.Sprintf("address 0x%x was reserved twice on device %d", uintptr(ptr), a.info.DeviceID))
	}
	a.reserved.Put(ptr, struct{}{})

	return ptr, nil
}

// Free hands the address back to the external free function, then drops
// any reservation for it. Releasing a reserved address fires the eviction
// callback so the external party knows cached capacity may be reclaimable.
func (a *ExternalAllocator) Free(ptr driver.Ptr) {
	a.logger.Debug("ExternalAllocator::Free")

	a.free(ptr)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if _, ok := a.reserved.Get(ptr); ok {
		a.reserved.Delete(ptr)
		if a.emptyCache != nil {
			a.emptyCache()
		}
	}
}

// CreateFence binds a new fence to the transfer engine for this
// allocator's device.
func (a *ExternalAllocator) CreateFence(manager *transfer.Manager) (*transfer.Fence, error) {
	a.logger.Debug("ExternalAllocator::CreateFence")

	return createFence(manager, a.info.DeviceID)
}

// Stats snapshots the allocator's bookkeeping. The external party owns the
// sizes, so only counts are reported.
func (a *ExternalAllocator) Stats() Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return Statistics{
		ReservedCount:    a.reserved.Count(),
		DeviceAllocCount: a.externalAllocs,
	}
}
