package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/netbound/boundproxy/internal/dialer"
	"github.com/netbound/boundproxy/internal/testutil"
)

// testDialer returns a *dialer.Dialer whose interface-check and bind hooks
// are no-ops and whose resolver always fails, so every Dial returns an
// error; it suits tests that never reach the dial step.
func testDialer() *dialer.Dialer {
	return &dialer.Dialer{
		Iface:      "eth0",
		CheckIface: func(string) (int, error) { return 1, nil },
		Bind:       func(string, syscall.RawConn, string) error { return nil },
		Resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			return nil, errUnresolvable
		},
	}
}

var errUnresolvable = fmt.Errorf("test dialer: host not stubbed")

func startUpstream(t *testing.T, handle func(net.Conn)) net.Listener {
	t.Helper()
	ln, _ := testutil.StartSingleAcceptServer(t, context.Background(), handle)
	return ln
}

// TestOriginFormRewrittenToPath verifies S1: an absolute-form request is
// rewritten to a path-only request line before being sent upstream, with
// headers preserved.
func TestOriginFormRewrittenToPath(t *testing.T) {
	upstreamGot := make(chan string, 1)
	ln := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		upstreamGot <- string(buf[:n])
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	client, front := net.Pipe()
	defer client.Close()

	h := &Handler{
		Dialer:         directDialerTo(addr),
		ReadTimeout:    time.Second,
		SessionTimeout: 2 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), front)
		close(done)
	}()

	// The stub dialer only replaces the resolved IP; the port comes from the
	// target's authority, so it names the upstream listener's port.
	req := fmt.Sprintf("GET http://example.com:%d/ HTTP/1.1\r\nHost: example.com\r\n\r\n", addr.Port)
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	select {
	case got := <-upstreamGot:
		if got != "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n" {
			t.Fatalf("unexpected upstream request: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for upstream request")
	}

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read response status line: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("unexpected response status line: %q", line)
	}

	client.Close()
	<-done
}

// TestConnectTunnelsRaw verifies S2: a CONNECT request gets a bare 200
// response and afterwards raw bytes flow byte-for-byte in both directions.
func TestConnectTunnelsRaw(t *testing.T) {
	ln := startUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("world"))
	})
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	client, front := net.Pipe()
	defer client.Close()

	h := &Handler{
		Dialer:         directDialerTo(addr),
		ReadTimeout:    time.Second,
		SessionTimeout: 2 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), front)
		close(done)
	}()

	target := addr.String()
	req := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 200") {
		t.Fatalf("unexpected CONNECT response: %q", line)
	}
	blank, _ := br.ReadString('\n')
	if blank != "\r\n" {
		t.Fatalf("expected blank line terminator, got %q", blank)
	}

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write tunnel bytes: %v", err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read tunnel reply: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("expected world, got %q", got)
	}

	client.Close()
	<-done
}

// TestDialFailureReturnsBadGateway verifies S6: a dial failure on CONNECT
// surfaces as a 502.
func TestDialFailureReturnsBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	client, front := net.Pipe()
	defer client.Close()

	h := &Handler{
		Dialer:         directDialerTo(addr),
		ReadTimeout:    500 * time.Millisecond,
		SessionTimeout: time.Second,
	}

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), front)
		close(done)
	}()

	req := "CONNECT " + addr.String() + " HTTP/1.1\r\nHost: " + addr.String() + "\r\n\r\n"
	client.Write([]byte(req))

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 502") {
		t.Fatalf("expected 502, got %q", line)
	}

	<-done
}

// TestMalformedHeadReturnsBadRequest verifies a request line missing
// required fields is rejected with 400 rather than propagated.
func TestMalformedHeadReturnsBadRequest(t *testing.T) {
	client, front := net.Pipe()
	defer client.Close()

	h := &Handler{Dialer: testDialer(), ReadTimeout: time.Second, SessionTimeout: time.Second}

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), front)
		close(done)
	}()

	client.Write([]byte("GARBAGE\r\n\r\n"))

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 400") {
		t.Fatalf("expected 400, got %q", line)
	}

	<-done
}

// directDialerTo returns a *dialer.Dialer that resolves any host to addr's
// IP, used so tests don't require real network interfaces or DNS. The port
// dialed is still the one taken from the request.
func directDialerTo(addr *net.TCPAddr) *dialer.Dialer {
	return &dialer.Dialer{
		Iface:      "eth0",
		CheckIface: func(string) (int, error) { return 1, nil },
		Bind:       func(string, syscall.RawConn, string) error { return nil },
		Resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			return []net.IP{addr.IP}, nil
		},
	}
}
