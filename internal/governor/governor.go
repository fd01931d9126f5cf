// Package governor bounds how many client connections are served at once
// and runs the accept loop that feeds them to a handler, isolating each
// handler invocation so a panic in one connection can never take down the
// listener or leak its slot.
package governor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netbound/boundproxy/internal/ratelog"
)

// Governor tracks in-flight connections against a fixed cap using a
// lock-free CAS loop, so acquiring and releasing a slot never blocks the
// accept loop behind a mutex. It is process-wide: share one Governor across
// every listener so the cap is a single semaphore, not one per protocol.
type Governor struct {
	max     int64
	current atomic.Int64
	wg      sync.WaitGroup
}

// New returns a Governor that admits at most max connections at a time. A
// max of zero or less means unbounded.
func New(max int) *Governor {
	return &Governor{max: int64(max)}
}

// tryAcquire attempts to reserve one slot, returning false if the cap is
// already at max. Unbounded governors always succeed.
func (g *Governor) tryAcquire() bool {
	if g.max <= 0 {
		g.current.Add(1)
		return true
	}
	for {
		cur := g.current.Load()
		if cur >= g.max {
			return false
		}
		if g.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (g *Governor) release() {
	g.current.Add(-1)
}

// Current returns the number of slots presently held.
func (g *Governor) Current() int64 {
	return g.current.Load()
}

// Wait blocks until every handler dispatched so far has returned, or until
// ctx is done, whichever comes first. Callers use this after accept loops
// have stopped to give in-flight connections a bounded grace period to
// drain before the process forces exit.
func (g *Governor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the accept loop on ln until ctx is canceled or Accept returns a
// permanent error. Every accepted connection that gets a free slot is handed
// to handle on its own goroutine; a connection that arrives when the
// governor is full is closed immediately and logged instead of queued, per
// the fixed-size slot model. Transient accept errors — most commonly
// per-process file descriptor exhaustion (EMFILE/ENFILE), which surfaces as
// net.Error.Temporary() rather than Timeout() — are retried with exponential
// backoff instead of stopping the loop.
func Serve(ctx context.Context, ln net.Listener, g *Governor, logger *ratelog.Logger, handle func(context.Context, net.Conn)) error {
	if logger == nil {
		logger = ratelog.Default
	}

	backoff := minBackoff
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				logger.Error(fmt.Sprintf("accept: temporary error: %v; retrying in %s", err, backoff))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil
				}
				backoff = nextBackoff(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = minBackoff

		if !g.tryAcquire() {
			logger.Log(fmt.Sprintf("connection limit reached, refusing %s", conn.RemoteAddr()))
			_ = conn.Close()
			continue
		}

		g.wg.Add(1)
		go runHandler(ctx, conn, g, logger, handle)
	}
}

// runHandler invokes handle on conn, guaranteeing the slot is released and
// the connection closed on every exit path, including a panic inside
// handle.
func runHandler(ctx context.Context, conn net.Conn, g *Governor, logger *ratelog.Logger, handle func(context.Context, net.Conn)) {
	if logger == nil {
		logger = ratelog.Default
	}
	defer g.wg.Done()
	defer g.release()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Sprintf("handler panic for %s: %v", conn.RemoteAddr(), r))
			_ = conn.Close()
		}
	}()
	handle(ctx, conn)
}

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = time.Second
)

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// ListenTCP listens on network/addr and returns a listener that applies
// keepAlive to every accepted *net.TCPConn.
func ListenTCP(network, addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAlive}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return conn, nil
}
