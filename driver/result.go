package driver

import (
	"github.com/cockroachdb/errors"
)

// Result is a device runtime status code. Success and NotReady are the only
// non-failure codes; NotReady is returned from EventQuery while captured
// work is still in flight.
type Result int32

const (
	Success Result = iota
	NotReady
	ErrorOutOfMemory
	ErrorInvalidValue
	ErrorInvalidDevice
	ErrorNoDevice
	ErrorDeinitialized
	ErrorUnknown
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case NotReady:
		return "NotReady"
	case ErrorOutOfMemory:
		return "ErrorOutOfMemory"
	case ErrorInvalidValue:
		return "ErrorInvalidValue"
	case ErrorInvalidDevice:
		return "ErrorInvalidDevice"
	case ErrorNoDevice:
		return "ErrorNoDevice"
	case ErrorDeinitialized:
		return "ErrorDeinitialized"
	case ErrorUnknown:
		return "ErrorUnknown"
	}
	return "ResultUnknown"
}

// IsError reports whether the code indicates a failure. NotReady is a poll
// outcome, not a failure.
func (r Result) IsError() bool {
	return r != Success && r != NotReady
}

// Err converts the code into an error, or nil for non-failure codes.
func (r Result) Err() error {
	if !r.IsError() {
		return nil
	}
	return errors.Newf("device runtime failure: %s", r.String())
}
