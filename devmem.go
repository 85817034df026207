// Package devmem implements the device-memory allocators used by a
// GPU-accelerated tensor runtime. Four variants share one surface: a
// DeviceAllocator that calls straight into the device runtime, a
// PoolAllocator that recycles exact-size blocks through free-lists, an
// ExternalAllocator that delegates to caller-supplied functions, and a
// PinnedAllocator for page-locked host staging memory.
//
// Every device-touching call re-affirms the OS-thread-local "current
// device" against the allocator's assigned device before invoking the
// runtime, so allocator instances for different devices can interleave
// freely on one goroutine. Except for the ExternalAllocator's reservation
// bookkeeping, allocators perform no internal locking unless asked to at
// construction: the runtime serializes access at a higher layer.
package devmem

import (
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/transfer"
)

// MemKind identifies which address space an allocator serves.
type MemKind int32

const (
	// MemKindDeviceDefault is ordinary device-resident memory.
	MemKindDeviceDefault MemKind = iota
	// MemKindHostPinned is page-locked host memory used for staging
	// transfers to and from a device.
	MemKindHostPinned
	// MemKindCPU is plain pageable host memory.
	MemKindCPU
)

func (k MemKind) String() string {
	switch k {
	case MemKindDeviceDefault:
		return "MemKindDeviceDefault"
	case MemKindHostPinned:
		return "MemKindHostPinned"
	case MemKindCPU:
		return "MemKindCPU"
	}
	return "MemKindUnknown"
}

// Identity describes an allocator instance. It is fixed at construction and
// used by the execution layer to route buffer requests to the allocator
// bound to the right device and memory kind.
type Identity struct {
	DeviceID int
	Kind     MemKind
}

// Allocator is the surface every variant exposes to the execution layer.
//
// Alloc fails with an error when the device, host, or external allocator
// cannot satisfy the request; the caller must treat that as fatal to the
// requesting operation. Free never fails observably: failures on the free
// path are swallowed because frees may run during teardown.
type Allocator interface {
	// Alloc returns an address of at least size bytes, or NullPtr when
	// size is zero. A zero-size request never touches the underlying
	// allocator.
	Alloc(size int) (driver.Ptr, error)
	// Free releases an address previously returned by Alloc or Reserve.
	Free(ptr driver.Ptr)
	// Info reports the allocator's device and memory kind.
	Info() Identity
	// CreateFence manufactures a fence bound to the transfer engine for
	// this allocator's device. The caller attaches it to a buffer and must
	// wait on it before the buffer's memory is physically reused.
	CreateFence(manager *transfer.Manager) (*transfer.Fence, error)
}

// ReservingAllocator is implemented by variants that can hand out
// allocations exempt from caching and recycling.
type ReservingAllocator interface {
	Allocator

	// Reserve allocates an address that will be returned straight to the
	// underlying allocator on Free instead of being cached for reuse.
	Reserve(size int) (driver.Ptr, error)
}

func createFence(manager *transfer.Manager, deviceID int) (*transfer.Fence, error) {
	engine, err := manager.EngineFor(deviceID)
	if err != nil {
		return nil, err
	}
	return engine.NewFence()
}
