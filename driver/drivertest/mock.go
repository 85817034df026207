// Package drivertest provides a scriptable in-memory implementation of
// driver.API for allocator and transfer tests. It hands out fake addresses,
// counts every call per address, and lets tests inject failures or hold
// events incomplete to simulate in-flight device work.
package drivertest

import (
	"sync"

	"github.com/gpurt/devmem/driver"
)

// Wait records a StreamWaitEvent call.
type Wait struct {
	Stream driver.Stream
	Event  driver.Event
}

// Copy records a Memcpy or MemcpyAsync call.
type Copy struct {
	Dst    driver.Ptr
	Src    driver.Ptr
	Size   int
	Kind   driver.CopyKind
	Stream driver.Stream
	Async  bool
}

type eventState struct {
	recorded bool
	complete bool
}

// Mock implements driver.API against process memory bookkeeping only.
//
// Failure injection fields apply to every subsequent call of the matching
// method until reset to driver.Success.
type Mock struct {
	mu sync.Mutex

	// FailMalloc and friends, when non-Success, are returned by the
	// corresponding method instead of performing the operation.
	FailMalloc     driver.Result
	FailMallocHost driver.Result
	FailFree       driver.Result
	FailFreeHost   driver.Result
	FailGetDevice  driver.Result
	FailSetDevice  driver.Result

	current    int
	nextHandle uintptr

	deviceAllocs map[driver.Ptr]int
	hostAllocs   map[driver.Ptr]int

	mallocCalls     int
	mallocHostCalls int
	getDeviceCalls  int
	setDeviceCalls  int
	setDeviceTo     []int

	freeCounts     map[driver.Ptr]int
	hostFreeCounts map[driver.Ptr]int

	streams      map[driver.Stream]bool
	streamSyncs  map[driver.Stream]int
	events       map[driver.Event]*eventState
	eventRecords map[driver.Event]int
	waits        []Wait
	copies       []Copy
}

var _ driver.API = (*Mock)(nil)

// New returns a Mock whose current device is the given id.
func New(currentDevice int) *Mock {
	return &Mock{
		current:        currentDevice,
		nextHandle:     0x1000,
		deviceAllocs:   make(map[driver.Ptr]int),
		hostAllocs:     make(map[driver.Ptr]int),
		freeCounts:     make(map[driver.Ptr]int),
		hostFreeCounts: make(map[driver.Ptr]int),
		streams:        make(map[driver.Stream]bool),
		streamSyncs:    make(map[driver.Stream]int),
		events:         make(map[driver.Event]*eventState),
		eventRecords:   make(map[driver.Event]int),
	}
}

func (m *Mock) handle() uintptr {
	m.nextHandle += 0x40
	return m.nextHandle
}

func (m *Mock) GetDevice() (int, driver.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getDeviceCalls++
	if m.FailGetDevice.IsError() {
		return -1, m.FailGetDevice
	}
	return m.current, driver.Success
}

func (m *Mock) SetDevice(device int) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setDeviceCalls++
	m.setDeviceTo = append(m.setDeviceTo, device)
	if m.FailSetDevice.IsError() {
		return m.FailSetDevice
	}
	m.current = device
	return driver.Success
}

func (m *Mock) Malloc(size int) (driver.Ptr, driver.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mallocCalls++
	if m.FailMalloc.IsError() {
		return driver.NullPtr, m.FailMalloc
	}
	ptr := driver.Ptr(m.handle())
	m.deviceAllocs[ptr] = size
	return ptr, driver.Success
}

func (m *Mock) Free(ptr driver.Ptr) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ptr == driver.NullPtr {
		return driver.Success
	}
	m.freeCounts[ptr]++
	if m.FailFree.IsError() {
		return m.FailFree
	}
	delete(m.deviceAllocs, ptr)
	return driver.Success
}

func (m *Mock) MallocHost(size int) (driver.Ptr, driver.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mallocHostCalls++
	if m.FailMallocHost.IsError() {
		return driver.NullPtr, m.FailMallocHost
	}
	ptr := driver.Ptr(m.handle())
	m.hostAllocs[ptr] = size
	return ptr, driver.Success
}

func (m *Mock) FreeHost(ptr driver.Ptr) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ptr != driver.NullPtr {
		m.hostFreeCounts[ptr]++
	}
	if m.FailFreeHost.IsError() {
		return m.FailFreeHost
	}
	delete(m.hostAllocs, ptr)
	return driver.Success
}

func (m *Mock) StreamCreate() (driver.Stream, driver.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := driver.Stream(m.handle())
	m.streams[stream] = true
	return stream, driver.Success
}

func (m *Mock) StreamDestroy(stream driver.Stream) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.streams[stream] {
		return driver.ErrorInvalidValue
	}
	delete(m.streams, stream)
	return driver.Success
}

func (m *Mock) StreamSynchronize(stream driver.Stream) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.streams[stream] {
		return driver.ErrorInvalidValue
	}
	m.streamSyncs[stream]++
	return driver.Success
}

func (m *Mock) StreamWaitEvent(stream driver.Stream, event driver.Event) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.streams[stream] {
		return driver.ErrorInvalidValue
	}
	if _, ok := m.events[event]; !ok {
		return driver.ErrorInvalidValue
	}
	m.waits = append(m.waits, Wait{Stream: stream, Event: event})
	return driver.Success
}

func (m *Mock) EventCreate() (driver.Event, driver.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := driver.Event(m.handle())
	m.events[event] = &eventState{}
	return event, driver.Success
}

func (m *Mock) EventDestroy(event driver.Event) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event]; !ok {
		return driver.ErrorInvalidValue
	}
	delete(m.events, event)
	return driver.Success
}

func (m *Mock) EventRecord(event driver.Event, stream driver.Stream) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.events[event]
	if !ok || !m.streams[stream] {
		return driver.ErrorInvalidValue
	}
	state.recorded = true
	state.complete = false
	m.eventRecords[event]++
	return driver.Success
}

func (m *Mock) EventQuery(event driver.Event) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.events[event]
	if !ok {
		return driver.ErrorInvalidValue
	}
	// Querying an event that was never recorded reports completion, the
	// same way the CUDA runtime does.
	if state.recorded && !state.complete {
		return driver.NotReady
	}
	return driver.Success
}

func (m *Mock) Memcpy(dst, src driver.Ptr, size int, kind driver.CopyKind) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.copies = append(m.copies, Copy{Dst: dst, Src: src, Size: size, Kind: kind})
	return driver.Success
}

func (m *Mock) MemcpyAsync(dst, src driver.Ptr, size int, kind driver.CopyKind, stream driver.Stream) driver.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.streams[stream] {
		return driver.ErrorInvalidValue
	}
	m.copies = append(m.copies, Copy{Dst: dst, Src: src, Size: size, Kind: kind, Stream: stream, Async: true})
	return driver.Success
}

// CompleteAllEvents marks every recorded event as complete, as if all
// in-flight device work had drained.
func (m *Mock) CompleteAllEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, state := range m.events {
		if state.recorded {
			state.complete = true
		}
	}
}

// CompleteEvent marks one recorded event as complete.
func (m *Mock) CompleteEvent(event driver.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.events[event]; ok {
		state.complete = true
	}
}

// CurrentDevice reports the device the mock considers current.
func (m *Mock) CurrentDevice() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// MallocCalls reports how many device allocations were attempted.
func (m *Mock) MallocCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mallocCalls
}

// MallocHostCalls reports how many pinned host allocations were attempted.
func (m *Mock) MallocHostCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mallocHostCalls
}

// SetDeviceCalls reports how many device switches were attempted.
func (m *Mock) SetDeviceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setDeviceCalls
}

// SetDeviceTargets returns the device ids passed to SetDevice, in order.
func (m *Mock) SetDeviceTargets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]int, len(m.setDeviceTo))
	copy(targets, m.setDeviceTo)
	return targets
}

// FreeCount reports how many times the address was passed to Free.
func (m *Mock) FreeCount(ptr driver.Ptr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeCounts[ptr]
}

// HostFreeCount reports how many times the address was passed to FreeHost.
func (m *Mock) HostFreeCount(ptr driver.Ptr) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostFreeCounts[ptr]
}

// LiveDeviceAllocs reports the number of device allocations not yet freed.
func (m *Mock) LiveDeviceAllocs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deviceAllocs)
}

// LiveHostAllocs reports the number of pinned allocations not yet freed.
func (m *Mock) LiveHostAllocs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hostAllocs)
}

// LiveStreams reports the number of streams not yet destroyed.
func (m *Mock) LiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// LiveEvents reports the number of events not yet destroyed.
func (m *Mock) LiveEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Waits returns every StreamWaitEvent call seen so far, in order.
func (m *Mock) Waits() []Wait {
	m.mu.Lock()
	defer m.mu.Unlock()
	waits := make([]Wait, len(m.waits))
	copy(waits, m.waits)
	return waits
}

// Copies returns every memcpy seen so far, in order.
func (m *Mock) Copies() []Copy {
	m.mu.Lock()
	defer m.mu.Unlock()
	copies := make([]Copy, len(m.copies))
	copy(copies, m.copies)
	return copies
}

// EventRecordCount reports how many times the event was recorded.
func (m *Mock) EventRecordCount(event driver.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventRecords[event]
}

// StreamSyncCount reports how many times the stream was synchronized.
func (m *Mock) StreamSyncCount(stream driver.Stream) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamSyncs[stream]
}
