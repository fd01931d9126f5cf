// Package socks5front implements the SOCKS5 forward-proxy front-end: RFC
// 1928 negotiation, optional RFC 1929 username/password authentication,
// and CONNECT-only request handling, then hands off to the pump.
package socks5front

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/netbound/boundproxy/internal/dialer"
	"github.com/netbound/boundproxy/internal/pump"
	"github.com/netbound/boundproxy/internal/ratelog"
)

// Credentials configures optional username/password authentication.
// A zero-value Credentials means no-auth is accepted.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) required() bool { return c.Username != "" }

// Handler serves SOCKS5 forward-proxy connections.
type Handler struct {
	Dialer         *dialer.Dialer
	Creds          Credentials
	ReadTimeout    time.Duration
	SessionTimeout time.Duration
	Logger         *ratelog.Logger

	// Verbose, when set, logs per-connection errors (negotiation failures,
	// failed dials) at INFO instead of dropping them silently.
	Verbose bool
}

// NewHandler constructs a Handler bound to d, requiring creds when its
// Username is non-empty.
func NewHandler(d *dialer.Dialer, creds Credentials, readTimeout, sessionTimeout time.Duration, verbose bool) *Handler {
	return &Handler{Dialer: d, Creds: creds, ReadTimeout: readTimeout, SessionTimeout: sessionTimeout, Logger: ratelog.Default, Verbose: verbose}
}

// logError reports a per-connection failure when Verbose is set; otherwise
// it is dropped, matching the teacher's "if s.Verbose { log... }" gate.
func (h *Handler) logError(msg string) {
	if h.Verbose {
		h.Logger.Info(msg)
	}
}

// Handle negotiates a SOCKS5 session on conn, dials the requested CONNECT
// target, and relays bytes until the pump ends. conn is closed before
// Handle returns.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if h.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
	}

	if err := h.negotiate(conn); err != nil {
		h.logError(fmt.Sprintf("socks5: negotiation failed: %v", err))
		return
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		h.logError(fmt.Sprintf("socks5: bad request: %v", err))
		return
	}
	if req.Cmd != txsocks5.CmdConnect {
		h.Logger.Log(fmt.Sprintf("socks5: unsupported command %d", req.Cmd))
		writeReply(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return
	}

	host, portStr, err := net.SplitHostPort(req.Address())
	if err != nil {
		h.logError(fmt.Sprintf("socks5: bad target %q: %v", req.Address(), err))
		writeReply(conn, txsocks5.RepAddressNotSupported, req.Atyp)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		h.logError(fmt.Sprintf("socks5: bad port in target %q: %v", req.Address(), err))
		writeReply(conn, txsocks5.RepAddressNotSupported, req.Atyp)
		return
	}

	server, err := h.Dialer.Dial(ctx, host, port, h.ReadTimeout)
	if err != nil {
		h.logError(fmt.Sprintf("socks5: dial %s:%d failed: %v", host, port, err))
		writeReply(conn, replyCodeFor(err), req.Atyp)
		return
	}
	defer server.Close()

	if err := writeSuccessReply(conn, server.LocalAddr()); err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if err := pump.Run(ctx, conn, server, 0, h.SessionTimeout); err != nil {
		h.Logger.Log(fmt.Sprintf("socks5: %s:%d ended: %v", host, port, err))
	}
}

// negotiate performs the RFC 1928 method selection, following with RFC
// 1929 username/password negotiation when credentials are configured.
func (h *Handler) negotiate(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if h.Creds.required() {
		if !offers(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethod(conn)
			return errors.New("client does not offer username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		return h.authenticate(conn)
	}

	if !offers(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethod(conn)
		return errors.New("client does not offer no-auth")
	}
	_, err = txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn)
	return err
}

// authenticate reads and checks the RFC 1929 username/password
// sub-negotiation using constant-time comparison against configured
// credentials.
func (h *Handler) authenticate(conn net.Conn) error {
	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}

	userOK := subtle.ConstantTimeCompare(urq.Uname, []byte(h.Creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare(urq.Passwd, []byte(h.Creds.Password)) == 1
	if !userOK || !passOK {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return errors.New("credentials rejected")
	}
	_, err = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn)
	return err
}

// replyCodeFor maps a dialer failure to the SOCKS5 reply code that best
// describes it. dialer.Dial wraps every non-timeout connect failure in
// ErrNoRoute (dialer.go's Dial), including an actively refused connection, so
// ECONNREFUSED must be checked ahead of ErrNoRoute in the chain or it is
// never reached.
func replyCodeFor(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, dialer.ErrNoRoute):
		return txsocks5.RepHostUnreachable
	case errors.Is(err, dialer.ErrTimeout):
		return txsocks5.RepTTLExpired
	case errors.Is(err, dialer.ErrInterfaceUnknown):
		return txsocks5.RepServerFailure
	default:
		return txsocks5.RepServerFailure
	}
}

// writeReply writes a SOCKS5 reply with the zero address, used for every
// non-success outcome.
func writeReply(conn net.Conn, rep, atyp byte) {
	if atyp == txsocks5.ATYPIPv6 {
		_, _ = txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00}).WriteTo(conn)
		return
	}
	_, _ = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(conn)
}

// writeSuccessReply writes the success reply using localAddr as the bound
// address the client should expect further datagrams/relayed bytes from.
func writeSuccessReply(conn net.Conn, localAddr net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	_, err = txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(conn)
	return err
}

func writeNoAcceptableMethod(conn net.Conn) {
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}

func offers(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
