// Package transfer moves bytes between host and device memory and issues
// the synchronization fences the allocator layer hands out. Each device
// gets one Engine owning a small fixed set of streams; a Manager maps
// device ids to their engine for the device/CPU pair.
package transfer

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
	"golang.org/x/exp/slog"
)

// Queue selects which of an Engine's streams an operation is issued on.
type Queue int32

const (
	// QueueDefault is the stream compute work is expected on.
	QueueDefault Queue = iota
	// QueueCopyIn is the stream host-to-device staging copies run on.
	QueueCopyIn
	// QueueCopyOut is the stream device-to-host readback copies run on.
	QueueCopyOut

	queueCount
)

func (q Queue) String() string {
	switch q {
	case QueueDefault:
		return "QueueDefault"
	case QueueCopyIn:
		return "QueueCopyIn"
	case QueueCopyOut:
		return "QueueCopyOut"
	}
	return "QueueUnknown"
}

// Engine owns the streams used to transfer data to and from one device and
// manufactures fences against those streams.
type Engine struct {
	logger   *slog.Logger
	api      driver.API
	deviceID int
	streams  [queueCount]driver.Stream
}

// NewEngine binds the calling thread to the given device and creates the
// engine's streams against it.
func NewEngine(logger *slog.Logger, api driver.API, deviceID int) (*Engine, error) {
	if res := api.SetDevice(deviceID); res.IsError() {
		return nil, errors.Wrapf(res.Err(), "failed to bind device %d while creating a transfer engine", deviceID)
	}

	engine := &Engine{
		logger:   logger,
		api:      api,
		deviceID: deviceID,
	}

	for queue := Queue(0); queue < queueCount; queue++ {
		stream, res := api.StreamCreate()
		if res.IsError() {
			engine.Destroy()
			return nil, errors.Wrapf(res.Err(), "failed to create the %s stream for device %d", queue.String(), deviceID)
		}
		engine.streams[queue] = stream
	}

	return engine, nil
}

// DeviceID identifies the device this engine transfers against.
func (e *Engine) DeviceID() int {
	return e.deviceID
}

// Stream returns the underlying stream for a queue.
func (e *Engine) Stream(queue Queue) driver.Stream {
	return e.streams[queue]
}

// CopyToDevice synchronously copies size bytes of host memory to the device.
func (e *Engine) CopyToDevice(dst, src driver.Ptr, size int) error {
	e.logger.Debug("Engine::CopyToDevice")

	res := e.api.Memcpy(dst, src, size, driver.CopyHostToDevice)
	return errors.Wrapf(res.Err(), "failed to copy %d bytes to device %d", size, e.deviceID)
}

// CopyToDeviceAsync copies size bytes of page-locked host memory to the
// device on the copy-in stream. The caller must hold the source buffer
// alive until the stream drains.
func (e *Engine) CopyToDeviceAsync(dst, src driver.Ptr, size int) error {
	e.logger.Debug("Engine::CopyToDeviceAsync")

	res := e.api.MemcpyAsync(dst, src, size, driver.CopyHostToDevice, e.streams[QueueCopyIn])
	return errors.Wrapf(res.Err(), "failed to copy %d bytes to device %d asynchronously", size, e.deviceID)
}

// CopyFromDevice synchronously copies size bytes of device memory to host.
func (e *Engine) CopyFromDevice(dst, src driver.Ptr, size int) error {
	e.logger.Debug("Engine::CopyFromDevice")

	res := e.api.Memcpy(dst, src, size, driver.CopyDeviceToHost)
	return errors.Wrapf(res.Err(), "failed to copy %d bytes from device %d", size, e.deviceID)
}

// CopyFromDeviceAsync copies size bytes of device memory to page-locked
// host memory on the copy-out stream.
func (e *Engine) CopyFromDeviceAsync(dst, src driver.Ptr, size int) error {
	e.logger.Debug("Engine::CopyFromDeviceAsync")

	res := e.api.MemcpyAsync(dst, src, size, driver.CopyDeviceToHost, e.streams[QueueCopyOut])
	return errors.Wrapf(res.Err(), "failed to copy %d bytes from device %d asynchronously", size, e.deviceID)
}

// Synchronize blocks until every stream owned by the engine has drained.
func (e *Engine) Synchronize() error {
	e.logger.Debug("Engine::Synchronize")

	for queue := Queue(0); queue < queueCount; queue++ {
		if res := e.api.StreamSynchronize(e.streams[queue]); res.IsError() {
			return errors.Wrapf(res.Err(), "failed to synchronize the %s stream on device %d", queue.String(), e.deviceID)
		}
	}
	return nil
}

// NewFence creates a fence whose events are recorded on and waited for by
// this engine's streams.
func (e *Engine) NewFence() (*Fence, error) {
	e.logger.Debug("Engine::NewFence")

	return newFence(e)
}

// Destroy releases the engine's streams. Destruction is best-effort:
// failures are logged and swallowed because teardown may run after the
// device context has already been torn down.
func (e *Engine) Destroy() {
	e.logger.Debug("Engine::Destroy")

	for queue := Queue(0); queue < queueCount; queue++ {
		if e.streams[queue] == 0 {
			continue
		}
		if res := e.api.StreamDestroy(e.streams[queue]); res.IsError() {
			e.logger.Warn("failed to destroy transfer stream",
				slog.Int("deviceID", e.deviceID),
				slog.String("queue", queue.String()),
				slog.String("result", res.String()),
			)
		}
		e.streams[queue] = 0
	}
}

// Manager is the registry the execution layer uses to find the transfer
// engine for a device/CPU pair.
type Manager struct {
	mutex   sync.RWMutex
	engines map[int]*Engine
}

// NewManager creates an empty engine registry.
func NewManager() *Manager {
	return &Manager{
		engines: make(map[int]*Engine),
	}
}

// Register adds an engine to the registry. Registering two engines for the
// same device is an error.
func (m *Manager) Register(engine *Engine) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.engines[engine.deviceID]; ok {
		return errors.Newf("a transfer engine is already registered for device %d", engine.deviceID)
	}
	m.engines[engine.deviceID] = engine
	return nil
}

// EngineFor returns the engine registered for the given device.
func (m *Manager) EngineFor(deviceID int) (*Engine, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	engine, ok := m.engines[deviceID]
	if !ok {
		return nil, errors.Newf("no transfer engine is registered for device %d", deviceID)
	}
	return engine, nil
}

// Destroy tears down every registered engine and empties the registry.
func (m *Manager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for deviceID, engine := range m.engines {
		engine.Destroy()
		delete(m.engines, deviceID)
	}
}
