package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/netbound/boundproxy/internal/config"
	"github.com/netbound/boundproxy/internal/dialer"
	"github.com/netbound/boundproxy/internal/governor"
	"github.com/netbound/boundproxy/internal/httpproxy"
	"github.com/netbound/boundproxy/internal/ratelog"
	"github.com/netbound/boundproxy/internal/socks5front"
)

// version is stamped by the release process; a bare "dev" is used for
// unstamped local builds.
var version = "dev"

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindFailure = 2
)

// shutdownGrace bounds how long in-flight connections get to finish once
// accept has been cancelled, before the process forces exit.
const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		iface         = pflag.String("iface", "", "network interface every outbound connection is bound to (required)")
		listen        = pflag.String("listen", config.DefaultHTTPListen, "HTTP proxy listen address")
		socks5Enabled = pflag.Bool("socks5", false, "enable the SOCKS5 listener")
		socks5Listen  = pflag.String("socks5-listen", config.DefaultSOCKS5Listen, "SOCKS5 proxy listen address")
		socks5User    = pflag.String("socks5-user", "", "SOCKS5 username; requires --socks5-pass")
		socks5Pass    = pflag.String("socks5-pass", "", "SOCKS5 password; requires --socks5-user")
		maxConns      = pflag.Int("max-conns", config.DefaultMaxConns, "maximum simultaneous connections")
		readTimeoutMS = pflag.Int("read-timeout-ms", int(config.DefaultReadTimeout.Milliseconds()), "per-connection header/negotiation read timeout in milliseconds")
		sessTimeoutMS = pflag.Int("session-timeout-ms", int(config.DefaultSessionTimeout.Milliseconds()), "idle-free maximum lifetime of one relayed session in milliseconds")
		verbose       = pflag.Bool("verbose", false, "log per-connection errors at INFO instead of dropping them silently")
		showVersion   = pflag.Bool("version", false, "print the version and exit")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *showVersion {
		fmt.Println("boundproxy " + version)
		return exitOK
	}

	// Credentials imply the SOCKS5 listener is wanted even without --socks5.
	if *socks5User != "" || *socks5Pass != "" {
		*socks5Enabled = true
	}

	cfg := config.Config{
		Iface:          *iface,
		HTTPListen:     *listen,
		SOCKS5Enabled:  *socks5Enabled,
		SOCKS5Listen:   *socks5Listen,
		SOCKS5Creds:    config.Credentials{Username: *socks5User, Password: *socks5Pass},
		MaxConns:       *maxConns,
		ReadTimeout:    time.Duration(*readTimeoutMS) * time.Millisecond,
		SessionTimeout: time.Duration(*sessTimeoutMS) * time.Millisecond,
		Verbose:        *verbose,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	logger := ratelog.Default
	raiseFileLimit(logger)

	d := dialer.New(cfg.Iface)
	if _, err := d.CheckIface(cfg.Iface); err != nil {
		fmt.Fprintf(os.Stderr, "config: interface %q not found: %v\n", cfg.Iface, err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	httpLn, err := governor.ListenTCP("tcp", cfg.HTTPListen, net.KeepAliveConfig{Enable: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBindFailure
	}
	context.AfterFunc(gctx, func() { _ = httpLn.Close() })

	// One governor, shared by every listener: spec.md's connection cap is a
	// single process-wide semaphore, not one per protocol front-end.
	gov := governor.New(cfg.MaxConns)

	httpHandler := httpproxy.NewHandler(d, cfg.ReadTimeout, cfg.SessionTimeout, cfg.Verbose)

	g.Go(func() error {
		logger.Log(fmt.Sprintf("http proxy listening on %s, bound to interface %s", cfg.HTTPListen, cfg.Iface))
		return governor.Serve(gctx, httpLn, gov, logger, httpHandler.Handle)
	})

	if cfg.SOCKS5Enabled {
		socks5Ln, err := governor.ListenTCP("tcp", cfg.SOCKS5Listen, net.KeepAliveConfig{Enable: true})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitBindFailure
		}
		context.AfterFunc(gctx, func() { _ = socks5Ln.Close() })

		socks5Handler := socks5front.NewHandler(d, socks5front.Credentials(cfg.SOCKS5Creds), cfg.ReadTimeout, cfg.SessionTimeout, cfg.Verbose)

		g.Go(func() error {
			logger.Log(fmt.Sprintf("socks5 proxy listening on %s, bound to interface %s", cfg.SOCKS5Listen, cfg.Iface))
			return governor.Serve(gctx, socks5Ln, gov, logger, socks5Handler.Handle)
		})
	}

	acceptErr := g.Wait()
	if acceptErr != nil && !errors.Is(acceptErr, net.ErrClosed) {
		fmt.Fprintln(os.Stderr, acceptErr)
		return exitBindFailure
	}

	logger.Log(fmt.Sprintf("accept stopped, draining in-flight connections (up to %s)", shutdownGrace))
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelDrain()
	if err := gov.Wait(drainCtx); err != nil {
		logger.Log(fmt.Sprintf("grace period elapsed with %d connections still in flight, forcing exit", gov.Current()))
	}

	logger.Log("shutting down")
	return exitOK
}

// raiseFileLimit best-effort raises RLIMIT_NOFILE to its hard ceiling so the
// governor's cap, not the OS file-descriptor limit, is what bounds
// concurrent connections. Failure is logged and otherwise ignored.
func raiseFileLimit(logger *ratelog.Logger) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		logger.Error(fmt.Sprintf("rlimit: read failed: %v", err))
		return
	}

	want := rlim.Max
	if rlim.Cur >= want {
		logger.Log(fmt.Sprintf("rlimit: RLIMIT_NOFILE already at %d", rlim.Cur))
		return
	}

	raised := unix.Rlimit{Cur: want, Max: rlim.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
		logger.Error(fmt.Sprintf("rlimit: raise to %d failed: %v; staying at %d", want, err, rlim.Cur))
		return
	}
	logger.Log(fmt.Sprintf("rlimit: raised RLIMIT_NOFILE %d -> %d", rlim.Cur, want))
}
