//go:build debug_devmem

package devmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/gpurt/devmem/driver"
)

// Validatable is implemented by allocators whose internal invariants can be
// checked with debugValidate.
type Validatable interface {
	Validate() error
}

// debugValidate will call Validate on the provided object and panics if any
// errors are returned. This method no-ops unless the debug_devmem build tag
// is present.
func debugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// verifyDevice asserts that the current device still equals the guard's
// device after a context-affecting call. A mismatch is a programming error
// and panics in every mode; a failed device query is returned as an error
// in strict mode and swallowed otherwise. This method no-ops unless the
// debug_devmem build tag is present.
func (g deviceGuard) verifyDevice(strict bool) error {
	current, res := g.api.GetDevice()
	if res == driver.Success {
		if current != g.deviceID {
			panic(fmt.Sprintf("allocator for device %d ran with device %d current", g.deviceID, current))
		}
		return nil
	}

	if strict {
		return errors.Wrapf(DeviceContextError, "device %d: %s", g.deviceID, res.String())
	}
	return nil
}
