package devmem

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or
// deactivate
type CreateFlags int32

const (
	// AllocatorCreateInternallySynchronized guards the pool allocator's
	// free-list and reservation tables with an internal mutex. By default
	// the pool allocator performs no locking and the consumer must
	// guarantee it is used from only one thread at a time, typically by
	// serializing access through an owning arena.
	AllocatorCreateInternallySynchronized CreateFlags = 1 << iota
)

func (f CreateFlags) String() string {
	var names []string
	if f&AllocatorCreateInternallySynchronized != 0 {
		names = append(names, "AllocatorCreateInternallySynchronized")
	}
	return strings.Join(names, "|")
}

// PoolCreateOptions contains optional settings when creating a
// PoolAllocator. It is valid to leave all the fields blank.
type PoolCreateOptions struct {
	Flags CreateFlags
}

// ExternalAllocatorOptions carries the caller-supplied functions an
// ExternalAllocator delegates to.
type ExternalAllocatorOptions struct {
	// Alloc must return a usable address or raise the external party's own
	// error. Returning NullPtr for a non-zero size violates the contract.
	Alloc func(size int) driver.Ptr
	// Free releases an address returned by Alloc. It must tolerate being
	// called during teardown.
	Free func(ptr driver.Ptr)
	// EmptyCache, when provided, is invoked after a reserved address is
	// released, signalling the external party that cached capacity may be
	// reclaimable. Optional.
	EmptyCache func()
}

// NewDeviceAllocator creates an allocator that calls straight into the
// device runtime with no caching.
func NewDeviceAllocator(logger *slog.Logger, api driver.API, deviceID int) *DeviceAllocator {
	return &DeviceAllocator{
		logger: logger,
		api:    api,
		guard:  deviceGuard{api: api, deviceID: deviceID},
		info:   Identity{DeviceID: deviceID, Kind: MemKindDeviceDefault},
	}
}

// NewPoolAllocator creates an allocator that recycles freed device memory
// through exact-size free-lists instead of returning it to the device.
func NewPoolAllocator(logger *slog.Logger, api driver.API, deviceID int, options PoolCreateOptions) *PoolAllocator {
	useMutex := options.Flags&AllocatorCreateInternallySynchronized != 0

	return &PoolAllocator{
		logger:    logger,
		api:       api,
		guard:     deviceGuard{api: api, deviceID: deviceID},
		info:      Identity{DeviceID: deviceID, Kind: MemKindDeviceDefault},
		mutex:     utils.OptionalRWMutex{UseMutex: useMutex},
		freeLists: swiss.NewMap[int, []driver.Ptr](64),
		ptrSizes:  swiss.NewMap[driver.Ptr, int](64),
		reserved:  swiss.NewMap[driver.Ptr, int](64),
	}
}

// NewExternalAllocator creates an allocator that delegates allocation and
// release to the provided functions, typically a memory pool owned by a
// framework embedding this runtime.
func NewExternalAllocator(logger *slog.Logger, deviceID int, options ExternalAllocatorOptions) (*ExternalAllocator, error) {
	if options.Alloc == nil || options.Free == nil {
		return nil, errors.New("an external allocator requires both an Alloc and a Free function")
	}

	return &ExternalAllocator{
		logger:     logger,
		info:       Identity{DeviceID: deviceID, Kind: MemKindDeviceDefault},
		alloc:      options.Alloc,
		free:       options.Free,
		emptyCache: options.EmptyCache,
		reserved:   swiss.NewMap[driver.Ptr, struct{}](64),
	}, nil
}

// NewPinnedAllocator creates an allocator for page-locked host memory
// registered against the given device's driver stack.
func NewPinnedAllocator(logger *slog.Logger, api driver.API, deviceID int) *PinnedAllocator {
	return &PinnedAllocator{
		logger: logger,
		api:    api,
		info:   Identity{DeviceID: deviceID, Kind: MemKindHostPinned},
	}
}
