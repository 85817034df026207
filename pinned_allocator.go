package devmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/transfer"
	"golang.org/x/exp/slog"
)

// PinnedAllocator allocates page-locked host memory used to stage
// transfers between host and device. Page-locking is registered against
// one device's driver stack but is not tied to the thread's current
// device, so no context guard runs here.
type PinnedAllocator struct {
	logger *slog.Logger
	api    driver.API
	info   Identity
}

var _ Allocator = (*PinnedAllocator)(nil)

// Info reports the allocator's device and memory kind.
func (a *PinnedAllocator) Info() Identity {
	return a.info
}

// Alloc allocates size bytes of page-locked host memory. A zero size
// returns NullPtr without touching the runtime.
func (a *PinnedAllocator) Alloc(size int) (driver.Ptr, error) {
	a.logger.Debug("PinnedAllocator::Alloc")

	if size == 0 {
		return driver.NullPtr, nil
	}

	ptr, res := a.api.MallocHost(size)
	if res.IsError() {
		return driver.NullPtr, errors.Wrapf(AllocationFailedError, "pinned host memory for device %d refused %d bytes: %s", a.info.DeviceID, size, res.String())
	}

	return ptr, nil
}

// Free releases page-locked host memory. Host frees are not expected to
// fail on any shutdown path, so a failure here is a programming error and
// panics rather than being swallowed like a device free.
func (a *PinnedAllocator) Free(ptr driver.Ptr) {
	a.logger.Debug("PinnedAllocator::Free")

	if res := a.api.FreeHost(ptr); res.IsError() {
		panic(fmt.Sprintf("failed to free pinned host address 0x%x: %s", uintptr(ptr), res.String()))
	}
}

// CreateFence binds a new fence to the transfer engine for this
// allocator's device.
func (a *PinnedAllocator) CreateFence(manager *transfer.Manager) (*transfer.Fence, error) {
	a.logger.Debug("PinnedAllocator::CreateFence")

	return createFence(manager, a.info.DeviceID)
}
