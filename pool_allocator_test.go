package devmem

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/driver/drivertest"
	"github.com/stretchr/testify/require"
)

func TestPoolAllocatorAllocZeroNeverTouchesDevice(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	ptr, err := pool.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, driver.NullPtr, ptr)
	require.Equal(t, 0, mock.MallocCalls())
	require.Equal(t, 0, mock.SetDeviceCalls())

	ptr, err = pool.Reserve(0)
	require.NoError(t, err)
	require.Equal(t, driver.NullPtr, ptr)
	require.Equal(t, 0, mock.MallocCalls())
}

func TestPoolAllocatorCacheHit(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	ptr, err := pool.Alloc(256)
	require.NoError(t, err)
	pool.Free(ptr)

	// The address stays resident in the pool rather than going back to the
	// device.
	require.Equal(t, 0, mock.FreeCount(ptr))

	again, err := pool.Alloc(256)
	require.NoError(t, err)
	require.Equal(t, ptr, again)
	require.Equal(t, 1, mock.MallocCalls())

	stats := pool.Stats()
	require.Equal(t, 1, stats.CacheHitCount)
	require.Equal(t, 1, stats.DeviceAllocCount)
	require.NoError(t, pool.Validate())
}

func TestPoolAllocatorCacheHitSkipsContextGuard(t *testing.T) {
	mock := drivertest.New(1)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	ptr, err := pool.Alloc(64)
	require.NoError(t, err)
	switches := mock.SetDeviceCalls()
	require.Equal(t, 1, switches)

	pool.Free(ptr)

	// Some other allocator moved the thread to a different device. A cache
	// hit makes no device call, so no switch happens either.
	mock.SetDevice(1)
	switches = mock.SetDeviceCalls()

	again, err := pool.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, ptr, again)
	require.Equal(t, switches, mock.SetDeviceCalls())
}

func TestPoolAllocatorNoCrossSizeReuse(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	small, err := pool.Alloc(128)
	require.NoError(t, err)
	pool.Free(small)

	large, err := pool.Alloc(256)
	require.NoError(t, err)
	require.NotEqual(t, small, large)
	require.Equal(t, 2, mock.MallocCalls())

	stats := pool.Stats()
	require.Equal(t, 0, stats.CacheHitCount)
	require.Equal(t, 1, stats.FreeListCount)
	require.Equal(t, 128, stats.FreeListBytes)
}

func TestPoolAllocatorLIFOReuse(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	first, err := pool.Alloc(64)
	require.NoError(t, err)
	second, err := pool.Alloc(64)
	require.NoError(t, err)

	pool.Free(first)
	pool.Free(second)

	// Most recently freed comes back first.
	ptr, err := pool.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, second, ptr)

	ptr, err = pool.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, first, ptr)

	require.Equal(t, 2, mock.MallocCalls())
}

func TestPoolAllocatorReserveBypassesRecycling(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	reserved, err := pool.Reserve(512)
	require.NoError(t, err)
	require.NotEqual(t, driver.NullPtr, reserved)

	pool.Free(reserved)
	// A reserved address goes straight back to the device.
	require.Equal(t, 1, mock.FreeCount(reserved))

	// A later request of the same size must be a fresh device allocation.
	ptr, err := pool.Alloc(512)
	require.NoError(t, err)
	require.NotEqual(t, reserved, ptr)
	require.Equal(t, 2, mock.MallocCalls())
	require.Equal(t, 0, pool.Stats().CacheHitCount)
	require.NoError(t, pool.Validate())
}

func TestPoolAllocatorReserveIsNeverServedFromFreeList(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	ptr, err := pool.Alloc(128)
	require.NoError(t, err)
	pool.Free(ptr)

	reserved, err := pool.Reserve(128)
	require.NoError(t, err)
	require.NotEqual(t, ptr, reserved)
	require.Equal(t, 2, mock.MallocCalls())
}

func TestPoolAllocatorFreeNullIsNoOp(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	require.NotPanics(t, func() {
		pool.Free(driver.NullPtr)
	})
	require.Equal(t, 0, pool.Stats().FreeListCount)
}

func TestPoolAllocatorFreeUnknownAddressIgnored(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	stray := driver.Ptr(0xdead)
	require.NotPanics(t, func() {
		pool.Free(stray)
	})
	require.Equal(t, 0, mock.FreeCount(stray))
	require.Equal(t, 0, pool.Stats().FreeListCount)
}

func TestPoolAllocatorAllocFailureIsFatal(t *testing.T) {
	mock := drivertest.New(0)
	mock.FailMalloc = driver.ErrorOutOfMemory
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	_, err := pool.Alloc(1024)
	require.True(t, errors.Is(err, AllocationFailedError))

	_, err = pool.Reserve(1024)
	require.True(t, errors.Is(err, AllocationFailedError))
	require.Equal(t, 0, pool.Stats().DeviceAllocCount)
}

func TestPoolAllocatorContextFailureIsFatalOnAllocPaths(t *testing.T) {
	mock := drivertest.New(1)
	mock.FailSetDevice = driver.ErrorInvalidDevice
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	_, err := pool.Alloc(64)
	require.True(t, errors.Is(err, DeviceContextError))

	_, err = pool.Reserve(64)
	require.True(t, errors.Is(err, DeviceContextError))
	require.Equal(t, 0, mock.MallocCalls())
}

func TestPoolAllocatorReservedFreeSurvivesContextFailure(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	reserved, err := pool.Reserve(256)
	require.NoError(t, err)

	mock.FailGetDevice = driver.ErrorDeinitialized
	require.NotPanics(t, func() {
		pool.Free(reserved)
	})
	require.Equal(t, 1, mock.FreeCount(reserved))
}

func TestPoolAllocatorDestroyFreesEveryResidentAddress(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})

	cached, err := pool.Alloc(128)
	require.NoError(t, err)
	pool.Free(cached)

	recycled, err := pool.Alloc(128)
	require.NoError(t, err)
	require.Equal(t, cached, recycled)
	pool.Free(recycled)

	live, err := pool.Alloc(256)
	require.NoError(t, err)

	reserved, err := pool.Reserve(512)
	require.NoError(t, err)

	pool.Destroy()

	// Exactly one device free per address: no leaks, no double-frees, even
	// for the address the caller never returned.
	for _, ptr := range []driver.Ptr{cached, live, reserved} {
		require.Equal(t, 1, mock.FreeCount(ptr))
	}
	require.Equal(t, 0, mock.LiveDeviceAllocs())
	require.Equal(t, Statistics{}, pool.Stats())
}

func TestPoolAllocatorStats(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	a, err := pool.Alloc(100)
	require.NoError(t, err)
	_, err = pool.Alloc(200)
	require.NoError(t, err)
	_, err = pool.Reserve(50)
	require.NoError(t, err)
	pool.Free(a)

	stats := pool.Stats()
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 250, stats.AllocationBytes)
	require.Equal(t, 1, stats.FreeListCount)
	require.Equal(t, 100, stats.FreeListBytes)
	require.Equal(t, 1, stats.ReservedCount)
	require.Equal(t, 50, stats.ReservedBytes)
	require.Equal(t, 3, stats.DeviceAllocCount)
	require.NoError(t, pool.Validate())
}

func TestPoolAllocatorBuildStatsString(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{})
	defer pool.Destroy()

	ptr, err := pool.Alloc(4096)
	require.NoError(t, err)
	pool.Free(ptr)

	str := pool.BuildStatsString()
	require.NotEmpty(t, str)
	require.True(t, json.Valid([]byte(str)))
	require.Contains(t, str, "\"FreeLists\"")
	require.Contains(t, str, "\"Size\":4096")
}

func TestPoolAllocatorInternallySynchronized(t *testing.T) {
	mock := drivertest.New(0)
	pool := NewPoolAllocator(testLogger(), mock, 0, PoolCreateOptions{
		Flags: AllocatorCreateInternallySynchronized,
	})
	defer pool.Destroy()

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		size := 64 * (worker + 1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ptr, err := pool.Alloc(size)
				if err != nil {
					t.Error(err)
					return
				}
				pool.Free(ptr)
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, stats.DeviceAllocCount+stats.CacheHitCount, 800)
	require.NoError(t, pool.Validate())
}
