//go:build !linux && !darwin

package dialer

import (
	"fmt"
	"syscall"
)

// interfaceIndex always fails on platforms without a known interface-bind
// mechanism: the dialer must never fall back to an unbound socket, so an
// unsupported platform is treated the same as an unresolvable interface.
func interfaceIndex(iface string) (int, error) {
	return 0, fmt.Errorf("interface binding is not supported on this platform")
}

func bindToInterface(_ string, _ syscall.RawConn, iface string) error {
	return fmt.Errorf("interface binding is not supported on this platform: %s", iface)
}
