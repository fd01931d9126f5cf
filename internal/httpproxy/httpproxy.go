// Package httpproxy implements the HTTP/1.x forward-proxy front-end: it
// parses a request head directly off the client socket, dispatches CONNECT
// tunnels and origin-form/absolute-form requests, and hands the resulting
// pair of sockets to the pump.
package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/netbound/boundproxy/internal/dialer"
	"github.com/netbound/boundproxy/internal/pump"
	"github.com/netbound/boundproxy/internal/ratelog"
)

// maxHeadBytes bounds the request head so a client that never sends a
// blank line can't grow the header buffer without limit.
const maxHeadBytes = 64 * 1024

// headerField is one name/value pair from the request head, kept in the
// order it was received.
type headerField struct {
	Name  string
	Value string
}

// requestHead is the parsed scratch record for one request: method,
// target, protocol version, and header sequence.
type requestHead struct {
	Method  string
	Target  string
	Version string
	Headers []headerField
}

func (h *requestHead) header(name string) (string, bool) {
	for _, f := range h.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Handler serves HTTP forward-proxy connections: CONNECT tunnels get a
// bidirectional pump straight to the dialed socket; other methods get
// their request line rewritten to origin-form and are then relayed the
// same way, so keep-alive bodies and pipelined bytes still flow.
type Handler struct {
	Dialer         *dialer.Dialer
	ReadTimeout    time.Duration
	SessionTimeout time.Duration
	Logger         *ratelog.Logger

	// Verbose, when set, logs per-connection errors (malformed requests,
	// failed dials) at INFO instead of dropping them silently.
	Verbose bool
}

// NewHandler constructs a Handler bound to d, applying readTimeout to the
// header-parse and dial phase and sessionTimeout to the lifetime of the
// resulting pump.
func NewHandler(d *dialer.Dialer, readTimeout, sessionTimeout time.Duration, verbose bool) *Handler {
	return &Handler{Dialer: d, ReadTimeout: readTimeout, SessionTimeout: sessionTimeout, Logger: ratelog.Default, Verbose: verbose}
}

// logError reports a per-connection failure when Verbose is set; otherwise
// it is dropped, matching the teacher's "if s.Verbose { log... }" gate.
func (h *Handler) logError(msg string) {
	if h.Verbose {
		h.Logger.Info(msg)
	}
}

// Handle parses one request head off conn and either tunnels (CONNECT) or
// forwards it (everything else), returning once the pump has finished.
// conn is closed before Handle returns.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if h.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	}

	br := bufio.NewReader(conn)
	head, err := parseHead(br)
	if err != nil {
		h.logError(fmt.Sprintf("http: malformed request head: %v", err))
		writeStatus(conn, 400, "Bad Request")
		return
	}

	// Further reads (buffered body bytes, pipelined requests, tunneled
	// bytes) must still see whatever br has already buffered.
	front := &bufConn{Conn: conn, br: br}

	if strings.EqualFold(head.Method, "CONNECT") {
		h.handleConnect(ctx, front, head)
		return
	}
	h.handleForward(ctx, front, head)
}

func (h *Handler) handleConnect(ctx context.Context, front *bufConn, head *requestHead) {
	host, port, err := splitHostPort(head.Target, 443)
	if err != nil {
		h.logError(fmt.Sprintf("http: bad CONNECT target %q: %v", head.Target, err))
		writeStatus(front, 400, "Bad Request")
		return
	}

	server, err := h.Dialer.Dial(ctx, host, port, h.ReadTimeout)
	if err != nil {
		h.logError(fmt.Sprintf("http: CONNECT dial %s:%d failed: %v", host, port, err))
		writeStatus(front, 502, "Bad Gateway")
		return
	}
	defer server.Close()

	if _, err := front.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	_ = front.SetDeadline(time.Time{})

	if err := pump.Run(ctx, front, server, 0, h.SessionTimeout); err != nil {
		h.Logger.Log(fmt.Sprintf("http: CONNECT %s:%d ended: %v", host, port, err))
	}
}

func (h *Handler) handleForward(ctx context.Context, front *bufConn, head *requestHead) {
	host, port, path, err := resolveTarget(head)
	if err != nil {
		h.logError(fmt.Sprintf("http: %v", err))
		writeStatus(front, 400, "Bad Request")
		return
	}

	server, err := h.Dialer.Dial(ctx, host, port, h.ReadTimeout)
	if err != nil {
		h.logError(fmt.Sprintf("http: dial %s:%d failed: %v", host, port, err))
		writeStatus(front, 502, "Bad Gateway")
		return
	}
	defer server.Close()

	rewritten := rewriteRequestLine(head, path)
	if _, err := server.Write([]byte(rewritten)); err != nil {
		h.logError(fmt.Sprintf("http: write to upstream failed: %v", err))
		return
	}
	_ = front.SetDeadline(time.Time{})

	if err := pump.Run(ctx, front, server, 0, h.SessionTimeout); err != nil {
		h.Logger.Log(fmt.Sprintf("http: %s %s ended: %v", head.Method, host, err))
	}
}

// resolveTarget extracts host, port, and request path from an
// absolute-form target, falling back to origin-form plus the Host header.
func resolveTarget(head *requestHead) (host string, port int, path string, err error) {
	if strings.Contains(head.Target, "://") {
		u, err := url.Parse(head.Target)
		if err != nil {
			return "", 0, "", fmt.Errorf("bad absolute-form target %q: %w", head.Target, err)
		}
		host, port, err = splitHostPort(u.Host, 80)
		if err != nil {
			return "", 0, "", err
		}
		path = u.RequestURI()
		if path == "" {
			path = "/"
		}
		return host, port, path, nil
	}

	hostHeader, ok := head.header("Host")
	if !ok {
		return "", 0, "", fmt.Errorf("origin-form request %q missing Host header", head.Target)
	}
	host, port, err = splitHostPort(hostHeader, 80)
	if err != nil {
		return "", 0, "", err
	}
	path = head.Target
	if path == "" {
		path = "/"
	}
	return host, port, path, nil
}

// rewriteRequestLine builds the head sent upstream: the request line is
// rewritten to origin-form, every other header is passed through verbatim
// and in order, including Host and any proxy-directed headers.
func rewriteRequestLine(head *requestHead, path string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", head.Method, path, head.Version)
	for _, f := range head.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	b.WriteString("\r\n")
	return b.String()
}

// splitHostPort parses a host or host:port target, applying defaultPort
// when no port is present.
func splitHostPort(target string, defaultPort int) (string, int, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	h, p, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", p, err)
	}
	return h, port, nil
}

// parseHead reads a request line and header block terminated by a blank
// line off br. The request-target is parsed exactly once, here.
func parseHead(br *bufio.Reader) (*requestHead, error) {
	total := 0

	line, err := readCappedLine(br, &total)
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	head := &requestHead{Method: fields[0], Target: fields[1], Version: fields[2]}

	for {
		line, err := readCappedLine(br, &total)
		if err != nil {
			return nil, fmt.Errorf("read header line: %w", err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		head.Headers = append(head.Headers, headerField{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return head, nil
}

// readCappedLine reads one CRLF-terminated line, stripping the trailing
// CRLF, and enforces maxHeadBytes across the whole head to bound memory
// use from a client that never sends a blank line.
func readCappedLine(br *bufio.Reader, total *int) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	*total += len(line)
	if *total > maxHeadBytes {
		return "", fmt.Errorf("request head exceeds %d bytes", maxHeadBytes)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeStatus writes a bare status line with no body, e.g.
// "HTTP/1.1 502 Bad Gateway\r\n\r\n".
func writeStatus(w interface{ Write([]byte) (int, error) }, code int, text string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", code, text)
}

// bufConn layers a bufio.Reader's already-buffered bytes back in front of
// the raw connection, so parseHead's read-ahead never loses data the pump
// still needs to relay.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}
