package devmem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
	"github.com/gpurt/devmem/driver/drivertest"
	"github.com/stretchr/testify/require"
)

func TestEnsureDeviceSwitchesWhenMismatched(t *testing.T) {
	mock := drivertest.New(1)
	guard := deviceGuard{api: mock, deviceID: 0}

	require.NoError(t, guard.ensureDevice(true))
	require.Equal(t, 1, mock.SetDeviceCalls())
	require.Equal(t, []int{0}, mock.SetDeviceTargets())
	require.Equal(t, 0, mock.CurrentDevice())
}

func TestEnsureDeviceNoSwitchWhenCurrent(t *testing.T) {
	mock := drivertest.New(3)
	guard := deviceGuard{api: mock, deviceID: 3}

	require.NoError(t, guard.ensureDevice(true))
	require.Equal(t, 0, mock.SetDeviceCalls())
}

func TestEnsureDeviceStrictSurfacesSwitchFailure(t *testing.T) {
	mock := drivertest.New(1)
	mock.FailSetDevice = driver.ErrorInvalidDevice
	guard := deviceGuard{api: mock, deviceID: 0}

	err := guard.ensureDevice(true)
	require.Error(t, err)
	require.True(t, errors.Is(err, DeviceContextError))
}

func TestEnsureDeviceStrictSurfacesQueryFailure(t *testing.T) {
	mock := drivertest.New(0)
	mock.FailGetDevice = driver.ErrorDeinitialized
	guard := deviceGuard{api: mock, deviceID: 0}

	err := guard.ensureDevice(true)
	require.Error(t, err)
	require.True(t, errors.Is(err, DeviceContextError))
}

func TestEnsureDeviceNonStrictSwallowsFailures(t *testing.T) {
	mock := drivertest.New(1)
	mock.FailSetDevice = driver.ErrorInvalidDevice
	guard := deviceGuard{api: mock, deviceID: 0}

	require.NoError(t, guard.ensureDevice(false))
	// The switch was still attempted before the failure was swallowed.
	require.Equal(t, 1, mock.SetDeviceCalls())

	mock.FailSetDevice = driver.Success
	mock.FailGetDevice = driver.ErrorDeinitialized
	require.NoError(t, guard.ensureDevice(false))
}
