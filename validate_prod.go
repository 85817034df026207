//go:build !debug_devmem

package devmem

// Validatable is implemented by allocators whose internal invariants can be
// checked with debugValidate.
type Validatable interface {
	Validate() error
}

// debugValidate will call Validate on the provided object and panics if any
// errors are returned. This method no-ops unless the debug_devmem build tag
// is present.
func debugValidate(validatable Validatable) {
}

// verifyDevice asserts that the current device still equals the guard's
// device after a context-affecting call. This method no-ops unless the
// debug_devmem build tag is present.
func (g deviceGuard) verifyDevice(strict bool) error {
	return nil
}
