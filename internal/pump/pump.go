// Package pump implements the full-duplex byte relay that sits between a
// front-end connection and the outbound socket the dialer opened for it.
package pump

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const bufferSize = 32 * 1024

// Sentinel errors returned by Run. All three are expected outcomes of a
// relay ending; the front-ends log them with Logger.Log, never at ERROR.
var (
	ErrPeerReset = errors.New("pump: connection reset by peer")
	ErrTimeout   = errors.New("pump: deadline exceeded")
	ErrClosed    = errors.New("pump: connection closed")
)

// halfCloser is implemented by *net.TCPConn and *tls.Conn among others; a
// side that doesn't support it just gets a full Close on EOF instead of a
// half-close.
type halfCloser interface {
	CloseWrite() error
}

// Run relays bytes between a and b in both directions until both directions
// have finished. total, if nonzero, bounds the whole relay regardless of
// progress. idle, if nonzero, bounds the gap since the last byte moved in
// either direction. When one side reaches EOF, Run shuts down the write
// half of the other side instead of closing it outright, so a still-open
// read on that side can drain and see its own EOF rather than a reset.
func Run(ctx context.Context, a, b net.Conn, idle, total time.Duration) error {
	if total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	defer closeBoth()

	var lastActivity activityClock
	lastActivity.touch()

	var g errgroup.Group
	g.Go(func() error { return copyHalf(a, b, &lastActivity) })
	g.Go(func() error { return copyHalf(b, a, &lastActivity) })

	copiesDone := make(chan error, 1)
	go func() { copiesDone <- g.Wait() }()

	// idleTick defaults to a channel that never fires so a single select loop
	// below covers both the with-idle and without-idle cases.
	idleTick := make(<-chan time.Time)
	if idle > 0 {
		ticker := time.NewTicker(idle / 4)
		defer ticker.Stop()
		idleTick = ticker.C
	}

	for {
		select {
		case err := <-copiesDone:
			return classify(ctx, err)
		case <-ctx.Done():
			closeBoth()
			<-copiesDone
			return classify(ctx, ctx.Err())
		case <-idleTick:
			if lastActivity.sinceLast() >= idle {
				closeBoth()
				<-copiesDone
				return ErrTimeout
			}
		}
	}
}

// copyHalf reads from src and writes every byte read to dst, retrying
// partial writes, until src reaches EOF or an error occurs. On EOF it
// shuts down dst's write half so its peer observes an orderly close
// instead of hanging.
func copyHalf(dst, src net.Conn, clock *activityClock) error {
	buf := make([]byte, bufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := writeFull(dst, buf[:n]); werr != nil {
				return werr
			}
			clock.touch()
		}
		if rerr != nil {
			if rerr == io.EOF {
				if hc, ok := dst.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
				return nil
			}
			return rerr
		}
	}
}

// writeFull writes all of buf to w, looping on short writes.
func writeFull(w net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// activityClock records the last time either direction moved a byte, for
// the idle-timeout watcher.
type activityClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *activityClock) touch() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

func (c *activityClock) sinceLast() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.last)
}

// classify maps the raw errgroup outcome to one of the pump's sentinel
// errors, all of which are expected relay-ending conditions.
func classify(ctx context.Context, err error) error {
	if err == nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return ErrTimeout
		case context.Canceled:
			return ErrClosed
		default:
			return nil
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrClosed
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if isResetError(err) {
		return ErrPeerReset
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
