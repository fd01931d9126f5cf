package pump

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// isResetError reports whether err ultimately wraps ECONNRESET or EPIPE,
// unwinding through the *net.OpError / *os.SyscallError chain the standard
// library builds around raw socket errors.
func isResetError(err error) bool {
	var opErr *net.OpError
	for errors.As(err, &opErr) {
		err = opErr.Err
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		err = sysErr.Err
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNRESET || errno == syscall.EPIPE
	}
	return false
}
