package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/armon/go-socks5"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grevean/tserv/pkg/tserv/common"
	"github.com/grevean/tserv/pkg/tserv/server"
	"github.com/grevean/tserv/pkg/tserv/version"
)

type options struct {
	cfg             server.Config
	mode            string
	banner          string
	logLevel        string
	shutdownTimeout time.Duration
	autoRestart     bool
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

	if err := opts.cfg.Validate(); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	handler, err := buildHandler(opts, logger)
	if err != nil {
		logger.Fatal("Failed to build handler", zap.Error(err))
	}

	logger.Info("tserv starting",
		zap.String("listen", opts.cfg.Addr()),
		zap.String("mode", opts.mode),
		zap.Int("min_workers", opts.cfg.MinWorkers),
		zap.Int("max_connections", opts.cfg.MaxConnections),
		zap.Bool("auto_restart", opts.autoRestart))

	srv := server.NewServer(opts.cfg, handler, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
	logger.Info("tserv listening", zap.String("address", srv.Addr().String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.autoRestart {
		go supervise(ctx, srv, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Reloading worker pool", zap.String("signal", sig.String()))
			srv.Reload(handlerOptions(opts))
			continue
		}

		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		err := srv.Shutdown(shutdownCtx)
		shutdownCancel()
		if err != nil {
			logger.Warn("Graceful shutdown incomplete, stopping hard", zap.Error(err))
			_ = srv.Stop()
		}
		break
	}

	logger.Info("tserv stopped")
}

// supervise restarts the accept loop if it ever dies while the process is
// supposed to keep serving, e.g. after an unrecoverable accept error.
func supervise(ctx context.Context, srv *server.Server, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if srv.IsStarted() {
			continue
		}

		logger.Warn("Accept loop is down, restarting")
		operation := func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return srv.Start()
		}
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(operation, policy); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Restart attempts exhausted", zap.Error(err))
			continue
		}
		logger.Info("Server restarted", zap.Any("address", srv.Addr()))
	}
}

func buildHandler(opts options, logger *zap.Logger) (server.Handler, error) {
	switch opts.mode {
	case "echo":
		return server.HandlerFunc(echoHandler), nil
	case "sink":
		return server.HandlerFunc(func(_ context.Context, conn *server.Conn, _ any) error {
			n, err := io.Copy(io.Discard, conn)
			if err != nil {
				return err
			}
			logger.Debug("connection drained",
				zap.String("peer", conn.Peer().String()),
				zap.Int64("bytes", n))
			return nil
		}), nil
	case "socks":
		socksSrv, err := socks5.New(&socks5.Config{Logger: zap.NewStdLog(logger)})
		if err != nil {
			return nil, fmt.Errorf("socks5 setup: %w", err)
		}
		return server.HandlerFunc(func(_ context.Context, conn *server.Conn, _ any) error {
			return socksSrv.ServeConn(conn)
		}), nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want echo, sink or socks)", opts.mode)
	}
}

// echoHandler writes the configured banner, if any, then mirrors the
// connection until the client closes it.
func echoHandler(_ context.Context, conn *server.Conn, opts any) error {
	if banner, ok := opts.(string); ok && banner != "" {
		if _, err := fmt.Fprintln(conn, banner); err != nil {
			return err
		}
	}
	_, err := io.Copy(conn, conn)
	return err
}

func handlerOptions(opts options) any {
	if opts.mode == "echo" && opts.banner != "" {
		return opts.banner
	}
	return nil
}

func parseFlags() (options, error) {
	var (
		opts        options
		acceptRate  float64
		showVersion bool
	)

	pflag.StringVar(&opts.cfg.Host, "host", "", "Interface to bind (all interfaces when empty)")
	pflag.IntVar(&opts.cfg.Port, "port", 7077, "Port to listen on")
	pflag.IntVar(&opts.cfg.MinWorkers, "min-workers", 4, "Permanent workers kept alive while idle")
	pflag.IntVar(&opts.cfg.MaxConnections, "max-connections", 64, "Maximum concurrent connections")
	pflag.BoolVar(&opts.cfg.ResolvePeerNames, "resolve-peer-names", false, "Reverse-resolve peer addresses for logging")
	pflag.Float64Var(&acceptRate, "accept-rate", 0, "Accepted connections per second (0 = unlimited)")
	pflag.IntVar(&opts.cfg.AcceptBurst, "accept-burst", 1, "Burst size for the accept rate limit")
	pflag.StringVar(&opts.mode, "mode", "echo", "Connection handler: echo, sink or socks")
	pflag.StringVar(&opts.banner, "banner", "", "Greeting line written by the echo handler")
	pflag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pflag.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for connections to drain on shutdown")
	pflag.BoolVar(&opts.autoRestart, "auto-restart", false, "Restart the accept loop if it dies")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	if opts.shutdownTimeout <= 0 {
		return opts, fmt.Errorf("--shutdown-timeout must be positive")
	}

	opts.cfg.AcceptRate = rate.Limit(acceptRate)
	opts.cfg.HandlerOptions = handlerOptions(opts)
	return opts, nil
}

func initLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := common.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return common.NewLogger(atomicLevel)
}
