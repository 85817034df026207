package transfer

import (
	"testing"

	"github.com/gpurt/devmem/driver/drivertest"
	"github.com/stretchr/testify/require"
)

func TestFenceLifecycle(t *testing.T) {
	mock := drivertest.New(0)
	engine, err := NewEngine(testLogger(), mock, 0)
	require.NoError(t, err)
	defer engine.Destroy()

	fence, err := engine.NewFence()
	require.NoError(t, err)
	require.Equal(t, 2, mock.LiveEvents())

	fence.Destroy()
	require.Equal(t, 0, mock.LiveEvents())

	require.NotPanics(t, func() {
		fence.Destroy()
	})
}

func TestFenceFreshFenceIsReleasable(t *testing.T) {
	mock := drivertest.New(0)
	engine, err := NewEngine(testLogger(), mock, 0)
	require.NoError(t, err)
	defer engine.Destroy()

	fence, err := engine.NewFence()
	require.NoError(t, err)
	defer fence.Destroy()

	// No work was ever recorded against the buffer.
	require.True(t, fence.CanRelease())
}

func TestFenceHoldsMemoryUntilWorkCompletes(t *testing.T) {
	mock := drivertest.New(0)
	engine, err := NewEngine(testLogger(), mock, 0)
	require.NoError(t, err)
	defer engine.Destroy()

	fence, err := engine.NewFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, fence.AfterUsedAsOutput(QueueDefault))
	require.False(t, fence.CanRelease())

	mock.CompleteAllEvents()
	require.True(t, fence.CanRelease())
}

func TestFenceBeforeUsingAsInputWaitsOnLastWrite(t *testing.T) {
	mock := drivertest.New(0)
	engine, err := NewEngine(testLogger(), mock, 0)
	require.NoError(t, err)
	defer engine.Destroy()

	fence, err := engine.NewFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, fence.AfterUsedAsOutput(QueueCopyIn))
	require.NoError(t, fence.BeforeUsingAsInput(QueueDefault))

	waits := mock.Waits()
	require.Len(t, waits, 1)
	require.Equal(t, engine.Stream(QueueDefault), waits[0].Stream)
	require.Equal(t, fence.writeEvent, waits[0].Event)
}

func TestFenceBeforeUsingAsOutputWaitsOnReadsAndWrites(t *testing.T) {
	mock := drivertest.New(0)
	engine, err := NewEngine(testLogger(), mock, 0)
	require.NoError(t, err)
	defer engine.Destroy()

	fence, err := engine.NewFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, fence.BeforeUsingAsOutput(QueueCopyOut))

	waits := mock.Waits()
	require.Len(t, waits, 2)
	require.Equal(t, fence.readEvent, waits[0].Event)
	require.Equal(t, fence.writeEvent, waits[1].Event)
	for _, wait := range waits {
		require.Equal(t, engine.Stream(QueueCopyOut), wait.Stream)
	}
}

func TestFenceRecordsReadsAndWritesSeparately(t *testing.T) {
	mock := drivertest.New(0)
	engine, err := NewEngine(testLogger(), mock, 0)
	require.NoError(t, err)
	defer engine.Destroy()

	fence, err := engine.NewFence()
	require.NoError(t, err)
	defer fence.Destroy()

	require.NoError(t, fence.AfterUsedAsInput(QueueDefault))
	require.Equal(t, 1, mock.EventRecordCount(fence.readEvent))
	require.Equal(t, 0, mock.EventRecordCount(fence.writeEvent))
	require.False(t, fence.CanRelease())

	// The read completes but a later write is still in flight.
	mock.CompleteAllEvents()
	require.NoError(t, fence.AfterUsedAsOutput(QueueCopyIn))
	require.False(t, fence.CanRelease())

	mock.CompleteAllEvents()
	require.True(t, fence.CanRelease())
}
