package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grevean/tserv/pkg/tserv/common"
	"github.com/grevean/tserv/pkg/tserv/version"
)

type options struct {
	server      string
	connections int
	messages    int
	dialTimeout time.Duration
	ioTimeout   time.Duration
	logLevel    string
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(opts.logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("tserv client starting",
		zap.String("server", opts.server),
		zap.Int("connections", opts.connections),
		zap.Int("messages", opts.messages))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, aborting", zap.String("signal", sig.String()))
		cancel()
	}()

	start := time.Now()
	var roundTrips atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < opts.connections; i++ {
		i := i
		group.Go(func() error {
			return runConnection(groupCtx, opts, i, &roundTrips, logger)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Fatal("Client run failed", zap.Error(err))
	}

	logger.Info("tserv client finished",
		zap.Int64("round_trips", roundTrips.Load()),
		zap.Duration("elapsed", time.Since(start)))
}

// runConnection dials one connection and plays the configured number of
// echo rounds over it, verifying each response byte for byte.
func runConnection(ctx context.Context, opts options, id int, roundTrips *atomic.Int64, logger *zap.Logger) error {
	conn, err := dialWithRetry(ctx, opts)
	if err != nil {
		return fmt.Errorf("connection %d: dial %s: %w", id, opts.server, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	logger.Debug("connected",
		zap.Int("connection", id),
		zap.String("local", conn.LocalAddr().String()))

	reply := make([]byte, 64)
	for msg := 0; msg < opts.messages; msg++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload := []byte(fmt.Sprintf("conn-%d msg-%d\n", id, msg))

		if err := common.SetWriteDeadline(conn, opts.ioTimeout); err != nil {
			return fmt.Errorf("connection %d: set write deadline: %w", id, err)
		}
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("connection %d: write: %w", id, err)
		}

		if err := common.SetReadDeadline(conn, opts.ioTimeout); err != nil {
			return fmt.Errorf("connection %d: set read deadline: %w", id, err)
		}
		if _, err := io.ReadFull(conn, reply[:len(payload)]); err != nil {
			return fmt.Errorf("connection %d: read: %w", id, err)
		}
		if !bytes.Equal(reply[:len(payload)], payload) {
			return fmt.Errorf("connection %d: echo mismatch: sent %q, got %q",
				id, payload, reply[:len(payload)])
		}
		roundTrips.Add(1)
	}
	return nil
}

func dialWithRetry(ctx context.Context, opts options) (net.Conn, error) {
	var conn net.Conn
	operation := func() error {
		dialer := net.Dialer{Timeout: opts.dialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", opts.server)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func parseFlags() (options, error) {
	var (
		opts        options
		showVersion bool
	)

	pflag.StringVar(&opts.server, "server", "", "Server address to connect to (host:port)")
	pflag.IntVar(&opts.connections, "connections", 4, "Concurrent connections to open")
	pflag.IntVar(&opts.messages, "messages", 16, "Echo rounds to play per connection")
	pflag.DurationVar(&opts.dialTimeout, "dial-timeout", 5*time.Second, "Timeout for a single dial attempt")
	pflag.DurationVar(&opts.ioTimeout, "io-timeout", 10*time.Second, "Deadline for each read and write")
	pflag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	if opts.server == "" {
		return options{}, fmt.Errorf("missing required flag: --server")
	}
	if opts.connections < 1 {
		return options{}, fmt.Errorf("connections must be at least 1, got %d", opts.connections)
	}
	if opts.messages < 1 {
		return options{}, fmt.Errorf("messages must be at least 1, got %d", opts.messages)
	}
	return opts, nil
}

func initLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := common.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return common.NewLogger(atomicLevel)
}
