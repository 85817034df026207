package devmem

import (
	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/transfer"
	"golang.org/x/exp/slog"
)

// DeviceAllocator allocates and frees device memory immediately through
// the device runtime, with no caching. It is not safe for concurrent use
// against one instance; callers serialize access externally.
type DeviceAllocator struct {
	logger *slog.Logger
	api    driver.API
	guard  deviceGuard
	info   Identity
}

var _ Allocator = (*DeviceAllocator)(nil)

// Info reports the allocator's device and memory kind.
func (a *DeviceAllocator) Info() Identity {
	return a.info
}

// Alloc allocates size bytes of device memory. A zero size returns NullPtr
// without touching the device. Allocation failures, including a lost
// device context, are fatal to the requesting operation.
func (a *DeviceAllocator) Alloc(size int) (driver.Ptr, error) {
	a.logger.Debug("DeviceAllocator::Alloc")

	if size == 0 {
		return driver.NullPtr, nil
	}

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

	return ptr, nil
}

// Free returns device memory to the device. Failures are ignored: frees
// may run during shutdown, when the device context can legitimately be
// gone, and a free must never fail the caller.
func (a *DeviceAllocator) Free(ptr driver.Ptr) {
	a.logger.Debug("DeviceAllocator::Free")

	_ = a.guard.ensureDevice(false)
	_ = a.guard.verifyDevice(false)
	a.api.Free(ptr)
}

// CreateFence binds a new fence to the transfer engine for this
// allocator's device.
func (a *DeviceAllocator) CreateFence(manager *transfer.Manager) (*transfer.Fence, error) {
	a.logger.Debug("DeviceAllocator::CreateFence")

	return createFence(manager, a.info.DeviceID)
}
