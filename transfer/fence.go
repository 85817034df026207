package transfer

import (
	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
)

// Fence tracks the asynchronous device work touching one buffer with a pair
// of events: the read event marks the last time the buffer was consumed as
// an input, the write event the last time it was produced as an output.
// Memory guarded by a fence must not be reused until CanRelease reports
// true.
//
// A fence is created fresh for each buffer handoff and is not pooled.
type Fence struct {
	engine     *Engine
	readEvent  driver.Event
	writeEvent driver.Event
}

func newFence(engine *Engine) (*Fence, error) {
	readEvent, res := engine.api.EventCreate()
	if res.IsError() {
		return nil, errors.Wrapf(res.Err(), "failed to create the read event for a fence on device %d", engine.deviceID)
	}

	writeEvent, res := engine.api.EventCreate()
	if res.IsError() {
		engine.api.EventDestroy(readEvent)
		return nil, errors.Wrapf(res.Err(), "failed to create the write event for a fence on device %d", engine.deviceID)
	}

	return &Fence{
		engine:     engine,
		readEvent:  readEvent,
		writeEvent: writeEvent,
	}, nil
}

// BeforeUsingAsInput makes the queue's stream wait until the last write to
// the guarded buffer has completed.
func (f *Fence) BeforeUsingAsInput(queue Queue) error {
	res := f.engine.api.StreamWaitEvent(f.engine.streams[queue], f.writeEvent)
	return errors.Wrapf(res.Err(), "fence failed to order %s after the last write", queue.String())
}

// BeforeUsingAsOutput makes the queue's stream wait until every prior read
// and write of the guarded buffer has completed, so the buffer can be
// overwritten.
func (f *Fence) BeforeUsingAsOutput(queue Queue) error {
	stream := f.engine.streams[queue]
	if res := f.engine.api.StreamWaitEvent(stream, f.readEvent); res.IsError() {
		return errors.Wrapf(res.Err(), "fence failed to order %s after the last read", queue.String())
	}

	res := f.engine.api.StreamWaitEvent(stream, f.writeEvent)
	return errors.Wrapf(res.Err(), "fence failed to order %s after the last write", queue.String())
}

// AfterUsedAsInput records the read event on the queue's stream, capturing
// the work that consumed the buffer.
func (f *Fence) AfterUsedAsInput(queue Queue) error {
	res := f.engine.api.EventRecord(f.readEvent, f.engine.streams[queue])
	return errors.Wrapf(res.Err(), "fence failed to record a read on %s", queue.String())
}

// AfterUsedAsOutput records the write event on the queue's stream,
// capturing the work that produced the buffer.
func (f *Fence) AfterUsedAsOutput(queue Queue) error {
	res := f.engine.api.EventRecord(f.writeEvent, f.engine.streams[queue])
	return errors.Wrapf(res.Err(), "fence failed to record a write on %s", queue.String())
}

// CanRelease reports whether all captured reads and writes have completed,
// meaning the guarded memory may safely be reused.
func (f *Fence) CanRelease() bool {
	return f.engine.api.EventQuery(f.readEvent) == driver.Success &&
		f.engine.api.EventQuery(f.writeEvent) == driver.Success
}

// Destroy releases the fence's events. Best-effort: failures during
// teardown are swallowed.
func (f *Fence) Destroy() {
	if f.readEvent != 0 {
		f.engine.api.EventDestroy(f.readEvent)
		f.readEvent = 0
	}
	if f.writeEvent != 0 {
		f.engine.api.EventDestroy(f.writeEvent)
		f.writeEvent = 0
	}
}
