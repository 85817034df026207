package devmem

import "github.com/pkg/errors"

// DeviceContextError is the error wrapped by strict-mode context guard
// failures, raised when the device runtime cannot report or switch the
// current device on an allocation path.
var DeviceContextError error = errors.New("could not acquire the allocator's device context")

// AllocationFailedError is the error wrapped when the underlying device or
// host allocator cannot satisfy a request. It is fatal to the requesting
// operation and is never retried at this layer.
var AllocationFailedError error = errors.New("underlying allocator could not satisfy the request")
