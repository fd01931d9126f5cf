// Package dialer implements the interface-bound outbound dialer: every TCP
// connection it opens has its source socket pinned to a caller-named network
// interface before connect is attempted, so egress always uses that
// interface regardless of the host's routing table.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// Sentinel errors returned by Dial. Callers (the HTTP and SOCKS5 front-ends)
// map these to protocol-specific failure responses.
var (
	// ErrNoRoute is returned when every resolved candidate address failed to
	// connect.
	ErrNoRoute = errors.New("dialer: no route to host")
	// ErrInterfaceUnknown is returned when the configured interface cannot be
	// resolved to an index or device name.
	ErrInterfaceUnknown = errors.New("dialer: unknown interface")
	// ErrTimeout is returned when the connect deadline elapsed for every
	// candidate address.
	ErrTimeout = errors.New("dialer: connect timeout")
)

// Dialer resolves and opens outbound TCP connections bound to a fixed
// network interface.
type Dialer struct {
	// Iface is the interface name (e.g. "eth0", "en0") every dial is bound
	// to.
	Iface string

	// CheckIface, Bind, and Resolve default to the real platform
	// implementations; tests override them to exercise the dial sequence
	// (property 5: the bind option is set before connect is attempted)
	// without needing real interface-binding privileges or DNS.
	CheckIface func(iface string) (int, error)
	Bind       func(network string, c syscall.RawConn, iface string) error
	Resolve    func(ctx context.Context, host string) ([]net.IP, error)
}

// New constructs a Dialer bound to iface, using the platform's real
// bind mechanism and the default resolver.
func New(iface string) *Dialer {
	return &Dialer{
		Iface:      iface,
		CheckIface: interfaceIndex,
		Bind:       bindToInterface,
		Resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
	}
}

// Dial resolves host and connects to port on it, trying each resolved
// address in order. Every candidate socket is bound to d.Iface before
// connect is attempted; the dialer never falls back to an unbound socket.
func (d *Dialer) Dial(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	checkIface := d.CheckIface
	if checkIface == nil {
		checkIface = interfaceIndex
	}
	if _, err := checkIface(d.Iface); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInterfaceUnknown, d.Iface, err)
	}

	resolve := d.Resolve
	if resolve == nil {
		resolve = func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
	}

	resolveCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		resolveCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ips, err := resolve(resolveCtx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrNoRoute, host, err)
	}

	var lastErr error
	allTimedOut := true
	for _, ip := range ips {
		conn, err := d.dialOne(ctx, &net.TCPAddr{IP: ip, Port: port}, timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, os.ErrDeadlineExceeded) {
			allTimedOut = false
		}
	}

	if lastErr != nil && allTimedOut {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %s:%d: %w", ErrNoRoute, host, port, lastErr)
}

func (d *Dialer) dialOne(ctx context.Context, addr *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	bind := d.Bind
	if bind == nil {
		bind = bindToInterface
	}
	nd := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			return bind(network, c, d.Iface)
		},
	}

	conn, err := nd.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}
