// Package main provides the entry point for the mcp-streampay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpserver "github.com/txn2/mcp-streampay/internal/server"
	"github.com/txn2/mcp-streampay/pkg/auth"
	"github.com/txn2/mcp-streampay/pkg/platform"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	hashKey     string
	overrides   mcpserver.Overrides
	debug       bool
	showVersion bool
}

func parseFlags(args []string) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("mcp-streampay", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.overrides.Transport, "transport", "", "Transport type: stdio, http (overrides server.transport)")
	fs.StringVar(&opts.overrides.Address, "address", "", "Listen address for the http transport (overrides server.address)")
	fs.BoolVar(&opts.overrides.Simulate, "simulate", false, "Run against the in-memory chain described by chain.simulated")
	fs.StringVar(&opts.hashKey, "hash-key", "", "Print the bcrypt hash of an API key for auth.api_keys.keys[].key_hash and exit")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	// stdout carries the stdio transport, so logs always go to stderr.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if opts.showVersion {
		_, _ = fmt.Fprintf(stdout, "mcp-streampay version %s\n", mcpserver.Version)
		return nil
	}
	if opts.hashKey != "" {
		hash, err := auth.HashKey(opts.hashKey)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, hash)
		return nil
	}
	if opts.configPath == "" {
		return errors.New("-config is required")
	}

	logger := newLogger(opts.debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := mcpserver.NewWithConfig(opts.configPath, opts.overrides, platform.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}
	logger.Info("platform started",
		"name", p.Config().Server.Name,
		"version", p.Config().Server.Version,
		"manager", p.Config().Chain.Manager,
		"transport", p.Config().Server.Transport,
	)

	return serve(ctx, p, logger)
}

func serve(ctx context.Context, p *platform.Platform, logger *slog.Logger) error {
	cfg := p.Config().Server
	switch cfg.Transport {
	case platform.TransportStdio:
		if err := p.MCPServer().Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serving stdio: %w", err)
		}
		return nil
	case platform.TransportHTTP:
		return serveHTTP(ctx, &http.Server{
			Addr:              cfg.Address,
			Handler:           p.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}, cfg.ShutdownTimeout, logger)
	default:
		return fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}

// serveHTTP runs srv until ctx is done, then drains it within timeout.
func serveHTTP(ctx context.Context, srv *http.Server, timeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
