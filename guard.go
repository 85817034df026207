package devmem

import (
	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
)

// deviceGuard pins device-touching operations to an allocator's assigned
// device. The "current device" is global per OS thread, so the guard is
// re-run before every device call rather than assumed to hold between
// calls.
type deviceGuard struct {
	api      driver.API
	deviceID int
}

// ensureDevice switches the current device to the guard's device when the
// two differ. In strict mode a failed query or switch is returned as an
// error; in non-strict mode failures are swallowed, since the free path
// may legitimately run after the device context is gone.
func (g deviceGuard) ensureDevice(strict bool) error {
	current, res := g.api.GetDevice()
	if res == driver.Success && current != g.deviceID {
		res = g.api.SetDevice(g.deviceID)
	}

	if res.IsError() && strict {
		return errors.Wrapf(DeviceContextError, "device %d: %s", g.deviceID, res.String())
	}
	return nil
}
