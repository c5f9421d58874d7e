package verbs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidPort       = errors.New("invalid port number")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrPortNotActive     = errors.New("port is not active")
	ErrNotEnoughPorts    = errors.New("not enough active ports found")
	ErrOutOfRange        = errors.New("slice out of memory region bounds")
	ErrRegionInUse       = errors.New("memory region is referenced by in-flight work requests")
	ErrClosed            = errors.New("resource is closed")
	ErrQueueFull         = errors.New("work queue is full")
	ErrPeerRequired      = errors.New("datagram queue pair requires a peer")
	ErrTransportMismatch = errors.New("operation not supported by queue pair transport")
)

// DeviceError is returned when the device or driver rejects a call. BadIndex
// is the position of the first rejected request in a posted batch, or -1 when
// the call did not post anything.
type DeviceError struct {
	Op       string
	Errno    unix.Errno
	BadIndex int
}

func (e *DeviceError) Error() string {
	if e.BadIndex >= 0 {
		return fmt.Sprintf("%s failed at request %d: %v", e.Op, e.BadIndex, e.Errno)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Errno)
}

func (e *DeviceError) Unwrap() error {
	return e.Errno
}

// Is lets callers test for a full work queue with errors.Is(err, ErrQueueFull).
func (e *DeviceError) Is(target error) bool {
	return target == ErrQueueFull && e.Errno == unix.ENOMEM
}

// NewDeviceError converts a libibverbs return code into an error. Zero is
// success. The post and modify calls return a positive errno; a few providers
// return it negated.
func NewDeviceError(op string, ret int, badIndex int) error {
	if ret == 0 {
		return nil
	}
	if ret < 0 {
		ret = -ret
	}
	return &DeviceError{Op: op, Errno: unix.Errno(ret), BadIndex: badIndex}
}

// CompletionError describes a work request the device completed with a
// non-success status.
type CompletionError struct {
	WrID      uint64
	Status    WCStatus
	VendorErr uint32
	Opcode    WCOpcode
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("work request %d (%s) completed with %s (vendor error 0x%x)",
		e.WrID, e.Opcode, e.Status, e.VendorErr)
}
