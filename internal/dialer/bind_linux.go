//go:build linux

package dialer

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// interfaceIndex validates that iface names a real interface, without
// needing its index: SO_BINDTODEVICE takes the device name directly on
// Linux.
func interfaceIndex(iface string) (int, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

// bindToInterface sets SO_BINDTODEVICE on the socket before connect is
// attempted. This requires CAP_NET_RAW (or root) on Linux.
func bindToInterface(_ string, c syscall.RawConn, iface string) error {
	var sockErr error
	ctrlErr := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface)
	})
	if ctrlErr != nil {
		return fmt.Errorf("bind interface %s: %w", iface, ctrlErr)
	}
	if sockErr != nil {
		return fmt.Errorf("bind interface %s: %w", iface, sockErr)
	}
	return nil
}
