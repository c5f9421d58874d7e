package rdma

import (
	"errors"
	"syscall"

	"github.com/yuuki/rverbs/internal/verbs"
)

// callError converts the return of a libibverbs call made with the two-value
// cgo form. Some calls return the errno, others return -1 and leave the cause
// in errno.
func callError(op string, ret int, errno error) error {
	if ret == 0 {
		return nil
	}
	if ret == -1 {
		var e syscall.Errno
		if errors.As(errno, &e) && e != 0 {
			return &verbs.DeviceError{Op: op, Errno: e, BadIndex: -1}
		}
	}
	return verbs.NewDeviceError(op, ret, -1)
}

// nilError is the error for a constructor that returned NULL.
func nilError(op string, errno error) error {
	var e syscall.Errno
	if errors.As(errno, &e) && e != 0 {
		return &verbs.DeviceError{Op: op, Errno: e, BadIndex: -1}
	}
	return &verbs.DeviceError{Op: op, Errno: syscall.EIO, BadIndex: -1}
}
