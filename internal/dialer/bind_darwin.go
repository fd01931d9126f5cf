//go:build darwin

package dialer

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// interfaceIndex resolves iface to its OS interface index, used by both
// IP_BOUND_IF and IPV6_BOUND_IF.
func interfaceIndex(iface string) (int, error) {
	idx, err := unix.IfNameToIndex(iface)
	if err != nil {
		return 0, err
	}
	if idx == 0 {
		return 0, fmt.Errorf("interface %s: index 0", iface)
	}
	return int(idx), nil
}

// bindToInterface sets IP_BOUND_IF (IPv4) or IPV6_BOUND_IF (IPv6) on the
// socket before connect is attempted, pinning egress to iface.
func bindToInterface(network string, c syscall.RawConn, iface string) error {
	idx, err := interfaceIndex(iface)
	if err != nil {
		return fmt.Errorf("bind interface %s: %w", iface, err)
	}

	var sockErr error
	ctrlErr := c.Control(func(fd uintptr) {
		if strings.HasSuffix(network, "6") {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, idx)
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, idx)
	})
	if ctrlErr != nil {
		return fmt.Errorf("bind interface %s: %w", iface, ctrlErr)
	}
	if sockErr != nil {
		return fmt.Errorf("bind interface %s: %w", iface, sockErr)
	}
	return nil
}
