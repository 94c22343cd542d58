// SPDX-License-Identifier: MIT

package nvidia

import (
	"errors"
	"fmt"
)

// Error taxonomy of the encoder subsystem. Driver status codes are translated
// into exactly one of these classes at the call site; callers dispatch with
// errors.Is and never inspect raw status codes.
var (
	// ErrTransientDevice marks a hardware failure that is expected to clear:
	// retry on another device or after a backoff.
	ErrTransientDevice = errors.New("transient device error")

	// ErrInvalidConfig marks a rejected parameter or preset. Session-fatal;
	// the offending preset is denylisted for the device.
	ErrInvalidConfig = errors.New("invalid encoder configuration")

	// ErrAuthorization marks a rejected activation key. Fatal at module
	// scope when no candidate key is accepted.
	ErrAuthorization = errors.New("encoder authorization failed")

	// ErrResourceExhausted marks an allocation failure. Session-fatal;
	// signals the orchestrator to reduce concurrency.
	ErrResourceExhausted = errors.New("device resources exhausted")

	// ErrProtocol marks an out-of-order call, e.g. compress before ready or
	// on a closed session. Fails fast; programming error.
	ErrProtocol = errors.New("encoder protocol violation")

	// ErrNoDevice is returned when no usable GPU device is present.
	ErrNoDevice = errors.New("no usable device")
)

// Status is a raw vendor driver status code.
type Status int

const (
	StatusSuccess Status = iota
	StatusTryAgain
	StatusDeviceBusy
	StatusInvalidParam
	StatusUnsupportedParam
	StatusUnauthorized
	StatusOutOfMemory
	StatusDeviceLost
	StatusGeneric
)

// String returns the vendor-style name of the status code.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusTryAgain:
		return "ERR_TRY_AGAIN"
	case StatusDeviceBusy:
		return "ERR_DEVICE_BUSY"
	case StatusInvalidParam:
		return "ERR_INVALID_PARAM"
	case StatusUnsupportedParam:
		return "ERR_UNSUPPORTED_PARAM"
	case StatusUnauthorized:
		return "ERR_UNAUTHORIZED"
	case StatusOutOfMemory:
		return "ERR_OUT_OF_MEMORY"
	case StatusDeviceLost:
		return "ERR_DEVICE_LOST"
	default:
		return "ERR_GENERIC"
	}
}

// StatusError carries the failed driver operation and its raw status code,
// and unwraps to the taxonomy class the status belongs to.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusTryAgain, StatusDeviceBusy, StatusDeviceLost:
		return ErrTransientDevice
	case StatusInvalidParam, StatusUnsupportedParam:
		return ErrInvalidConfig
	case StatusUnauthorized:
		return ErrAuthorization
	case StatusOutOfMemory:
		return ErrResourceExhausted
	default:
		return ErrTransientDevice
	}
}

// StatusErr translates a driver status into a taxonomy error, or nil on
// success.
func StatusErr(op string, st Status) error {
	if st == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: st}
}

// Reason maps an error to the metric label of its taxonomy class.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrResourceExhausted):
		return "exhausted"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrTransientDevice):
		return "transient"
	default:
		return "unknown"
	}
}
