package devmem

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/internal/utils"
	"github.com/gpurt/devmem/transfer"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// PoolAllocator wraps raw device allocation with an exact-size free-list
// cache. Freed addresses are parked on the free-list for their original
// size and handed back, most recently freed first, to later requests of
// exactly that size. Tensor workloads repeat a small number of distinct
// sizes across iterations, so exact matching stays O(1) and still hits
// often; no splitting, merging, or best-fit is attempted.
//
// Addresses obtained through Reserve bypass the cache entirely and return
// straight to the device on Free.
//
// The allocator performs no internal locking unless created with
// AllocatorCreateInternallySynchronized.
type PoolAllocator struct {
	logger *slog.Logger
	api    driver.API
	guard  deviceGuard
	info   Identity
	mutex  utils.OptionalRWMutex

	// freeLists maps a size to the stack of currently-free addresses of
	// exactly that size. ptrSizes records the size of every address the
	// pool ever obtained from the device, including ones currently handed
	// out. reserved holds addresses exempt from recycling; membership is
	// exclusive with the other two tables.
	freeLists *swiss.Map[int, []driver.Ptr]
	ptrSizes  *swiss.Map[driver.Ptr, int]
	reserved  *swiss.Map[driver.Ptr, int]

	liveCount     int
	liveBytes     int
	freeListCount int
	freeListBytes int
	reservedCount int
	reservedBytes int
	deviceAllocs  int
	cacheHits     int
}

var _ ReservingAllocator = (*PoolAllocator)(nil)

// Info reports the allocator's device and memory kind.
func (a *PoolAllocator) Info() Identity {
	return a.info
}

// Alloc returns an address of exactly size bytes, served from the size's
// free-list when one is parked there and from the device otherwise. The
// cached path makes no device call, so the context guard only runs when
// fresh memory is allocated.
func (a *PoolAllocator) Alloc(size int) (driver.Ptr, error) {
	a.logger.Debug("PoolAllocator::Alloc")

	if size == 0 {
		return driver.NullPtr, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if list, ok := a.freeLists.Get(size); ok && len(list) > 0 {
		ptr := list[len(list)-1]
		a.freeLists.Put(size, list[:len(list)-1])

		a.cacheHits++
		a.freeListCount--
		a.freeListBytes -= size
		a.liveCount++
		a.liveBytes += size

		debugValidate(a)
		return ptr, nil
	}

	ptr, err := a.allocFromDevice(size)
	if err != nil {
		return driver.NullPtr, err
	}
	a.ptrSizes.Put(ptr, size)

	a.liveCount++
	a.liveBytes += size

	debugValidate(a)
	return ptr, nil
}

// Reserve allocates a fresh device address that is never served from the
// free-list and will be returned straight to the device on Free. Use it
// for memory that must not be silently handed to a different logical owner
// through recycling.
func (a *PoolAllocator) Reserve(size int) (driver.Ptr, error) {
	a.logger.Debug("PoolAllocator::Reserve")

	if size == 0 {
		return driver.NullPtr, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.allocFromDevice(size)
	if err != nil {
		return driver.NullPtr, err
	}
	a.reserved.Put(ptr, size)

	a.liveCount++
	a.liveBytes += size
	a.reservedCount++
	a.reservedBytes += size

	debugValidate(a)
	return ptr, nil
}

func (a *PoolAllocator) allocFromDevice(size int) (driver.Ptr, error) {
	if err := a.guard.ensureDevice(true); err != nil {
		return driver.NullPtr, err
	}
	if err := a.guard.verifyDevice(true); err != nil {
		return driver.NullPtr, err
	}

	ptr, res := a.api.Malloc(size)
	if res.IsError() {
		return driver.NullPtr, errors.Wrapf(AllocationFailedError, "device %d refused %d bytes: %s", a.info.DeviceID, size, res.String())
	}

	a.deviceAllocs++
	return ptr, nil
}

// Free reclaims an address. Reserved addresses go back to the device;
// everything else is parked on the free-list for its recorded size and
// stays resident for reuse. A null address is a no-op, and an address this
// pool never handed out is logged and ignored, since a free must never
// fail the caller.
func (a *PoolAllocator) Free(ptr driver.Ptr) {
	a.logger.Debug("PoolAllocator::Free")

	if ptr == driver.NullPtr {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if size, ok := a.reserved.Get(ptr); ok {
		_ = a.guard.ensureDevice(false)
		_ = a.guard.verifyDevice(false)
		a.api.Free(ptr)
		a.reserved.Delete(ptr)

		a.liveCount--
		a.liveBytes -= size
		a.reservedCount--
		a.reservedBytes -= size

		debugValidate(a)
		return
	}

	size, ok := a.ptrSizes.Get(ptr)
	if !ok {
		a.logger.Warn("freed an address this pool never allocated",
			slog.Int("deviceID", a.info.DeviceID),
			slog.Uint64("ptr", uint64(ptr)),
		)
		return
	}

	list, _ := a.freeLists.Get(size)
	a.freeLists.Put(size, append(list, ptr))

	a.liveCount--
	a.liveBytes -= size
	a.freeListCount++
	a.freeListBytes += size

	debugValidate(a)
}

// Destroy returns every resident address, reserved and cached alike, to
// the device. Callers are responsible for quiescing first: addresses still
// handed out are freed too, and using them afterwards is undefined.
// Destruction is total and best-effort; device failures are ignored.
func (a *PoolAllocator) Destroy() {
	a.logger.Debug("PoolAllocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	_ = a.guard.ensureDevice(false)
	_ = a.guard.verifyDevice(false)

	a.reserved.Iter(func(ptr driver.Ptr, _ int) bool {
		a.api.Free(ptr)
		return false
	})
	a.ptrSizes.Iter(func(ptr driver.Ptr, _ int) bool {
		a.api.Free(ptr)
		return false
	})

	a.freeLists = swiss.NewMap[int, []driver.Ptr](1)
	a.ptrSizes = swiss.NewMap[driver.Ptr, int](1)
	a.reserved = swiss.NewMap[driver.Ptr, int](1)

	a.liveCount = 0
	a.liveBytes = 0
	a.freeListCount = 0
	a.freeListBytes = 0
	a.reservedCount = 0
	a.reservedBytes = 0
	a.deviceAllocs = 0
	a.cacheHits = 0
}

// CreateFence binds a new fence to the transfer engine for this
// allocator's device.
func (a *PoolAllocator) CreateFence(manager *transfer.Manager) (*transfer.Fence, error) {
	a.logger.Debug("PoolAllocator::CreateFence")

	return createFence(manager, a.info.DeviceID)
}

// Stats snapshots the allocator's bookkeeping.
func (a *PoolAllocator) Stats() Statistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return Statistics{
		AllocationCount:  a.liveCount,
		AllocationBytes:  a.liveBytes,
		FreeListCount:    a.freeListCount,
		FreeListBytes:    a.freeListBytes,
		ReservedCount:    a.reservedCount,
		ReservedBytes:    a.reservedBytes,
		DeviceAllocCount: a.deviceAllocs,
		CacheHitCount:    a.cacheHits,
	}
}

// Validate cross-checks the free-list, size, and reservation tables. The
// caller must already hold the allocator's lock when internal
// synchronization is enabled.
func (a *PoolAllocator) Validate() error {
	declaredCount := a.freeListCount
	declaredBytes := a.freeListBytes

	var actualCount, actualBytes int
	var err error
	a.freeLists.Iter(func(size int, list []driver.Ptr) bool {
		for _, ptr := range list {
			recorded, ok := a.ptrSizes.Get(ptr)
			if !ok {
				err = errors.Newf("free-list address 0x%x has no recorded size", uintptr(ptr))
				return true
			}
			if recorded != size {
				err = errors.Newf("free-list address 0x%x is filed under size %d but was allocated with size %d", uintptr(ptr), size, recorded)
				return true
			}
			if _, isReserved := a.reserved.Get(ptr); isReserved {
				err = errors.Newf("address 0x%x is on a free-list and in the reserved set at once", uintptr(ptr))
				return true
			}
			actualCount++
			actualBytes += size
		}
		return false
	})
	if err != nil {
		return err
	}

	if declaredCount != actualCount || declaredBytes != actualBytes {
		return errors.Newf("the listed free-list residency (%d blocks, %d bytes) does not match the tables (%d blocks, %d bytes)",
			declaredCount, declaredBytes, actualCount, actualBytes)
	}

	a.reserved.Iter(func(ptr driver.Ptr, _ int) bool {
		if _, ok := a.ptrSizes.Get(ptr); ok {
			err = errors.Newf("reserved address 0x%x also appears in the pool's size table", uintptr(ptr))
			return true
		}
		return false
	})
	return err
}

// BuildStatsString renders the allocator's current state as JSON, with one
// entry per free-list ordered by size.
func (a *PoolAllocator) BuildStatsString() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("DeviceID").Int(a.info.DeviceID)
	obj.Name("Kind").String(a.info.Kind.String())

	stats := obj.Name("Statistics").Object()
	stats.Name("AllocationCount").Int(a.liveCount)
	stats.Name("AllocationBytes").Int(a.liveBytes)
	stats.Name("FreeListCount").Int(a.freeListCount)
	stats.Name("FreeListBytes").Int(a.freeListBytes)
	stats.Name("ReservedCount").Int(a.reservedCount)
	stats.Name("ReservedBytes").Int(a.reservedBytes)
	stats.Name("DeviceAllocCount").Int(a.deviceAllocs)
	stats.Name("CacheHitCount").Int(a.cacheHits)
	stats.End()

	var sizes []int
	a.freeLists.Iter(func(size int, list []driver.Ptr) bool {
		if len(list) > 0 {
			sizes = append(sizes, size)
		}
		return false
	})
	slices.Sort(sizes)

	lists := obj.Name("FreeLists").Array()
	for _, size := range sizes {
		list, _ := a.freeLists.Get(size)
		entry := lists.Object()
		entry.Name("Size").Int(size)
		entry.Name("Count").Int(len(list))
		entry.End()
	}
	lists.End()

	obj.End()
	return string(writer.Bytes())
}
