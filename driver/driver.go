// Package driver defines the boundary between the allocator layer and the
// device runtime. Every call that touches the accelerator goes through the
// API interface, and errors cross this boundary as Result status codes
// rather than Go errors so that implementations backed by a C runtime can
// surface its codes unchanged.
package driver

// Ptr is a raw device or host address. The zero value is the null address.
type Ptr uintptr

// NullPtr is the address returned for zero-size allocations.
const NullPtr Ptr = 0

// Stream is an opaque handle to an asynchronous work queue on a device.
type Stream uintptr

// Event is an opaque handle to a completion marker that can be recorded on
// a Stream and later queried or waited on.
type Event uintptr

// CopyKind selects the direction of a memcpy between host and device
// address spaces.
type CopyKind int32

const (
	CopyHostToHost CopyKind = iota
	CopyHostToDevice
	CopyDeviceToHost
	CopyDeviceToDevice
)

func (k CopyKind) String() string {
	switch k {
	case CopyHostToHost:
		return "CopyHostToHost"
	case CopyHostToDevice:
		return "CopyHostToDevice"
	case CopyDeviceToHost:
		return "CopyDeviceToHost"
	case CopyDeviceToDevice:
		return "CopyDeviceToDevice"
	}
	return "CopyKindUnknown"
}

// API is the device runtime primitive set consumed by the allocator layer.
// Implementations are expected to be safe for concurrent use; the "current
// device" they expose is global per OS thread, which the allocators
// re-affirm on every device-touching call rather than assume.
type API interface {
	// GetDevice reports the device the calling thread is currently bound to.
	GetDevice() (int, Result)
	// SetDevice binds the calling thread to the given device.
	SetDevice(device int) Result

	// Malloc allocates size bytes of device memory on the current device.
	Malloc(size int) (Ptr, Result)
	// Free releases device memory. It may be called with a null address.
	Free(ptr Ptr) Result

	// MallocHost allocates size bytes of page-locked host memory.
	MallocHost(size int) (Ptr, Result)
	// FreeHost releases page-locked host memory.
	FreeHost(ptr Ptr) Result

	StreamCreate() (Stream, Result)
	StreamDestroy(stream Stream) Result
	StreamSynchronize(stream Stream) Result
	// StreamWaitEvent makes all future work submitted to stream wait until
	// event completes.
	StreamWaitEvent(stream Stream, event Event) Result

	EventCreate() (Event, Result)
	EventDestroy(event Event) Result
	// EventRecord captures the contents of stream at the time of the call.
	EventRecord(event Event, stream Stream) Result
	// EventQuery returns Success once all captured work has completed and
	// NotReady while any of it is still in flight.
	EventQuery(event Event) Result

	Memcpy(dst, src Ptr, size int, kind CopyKind) Result
	MemcpyAsync(dst, src Ptr, size int, kind CopyKind, stream Stream) Result
}
