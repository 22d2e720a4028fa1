package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/txn2/mcp-streampay/pkg/auth"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{
		"-config", "streams.yaml",
		"-transport", "http",
		"-address", ":9000",
		"-simulate",
		"-debug",
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "streams.yaml" {
		t.Errorf("configPath = %q", opts.configPath)
	}
	if opts.overrides.Transport != "http" || opts.overrides.Address != ":9000" || !opts.overrides.Simulate {
		t.Errorf("overrides = %+v", opts.overrides)
	}
	if !opts.debug {
		t.Error("debug not set")
	}

	if _, err := parseFlags([]string{"-bogus"}); err == nil {
		t.Error("parseFlags() expected error for unknown flag")
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "mcp-streampay version dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_HashKey(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-hash-key", "s3cret"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("output %q is not a bcrypt hash", hash)
	}

	a := auth.NewAPIKeyAuthenticator(auth.APIKeyConfig{Keys: []auth.APIKey{{KeyHash: hash, Name: "cli"}}})
	if _, err := a.Authenticate(auth.WithToken(context.Background(), "s3cret")); err != nil {
		t.Errorf("hashed key rejected: %v", err)
	}
}

func TestRun_RequiresConfig(t *testing.T) {
	err := run(nil, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "-config is required") {
		t.Errorf("run() error = %v, want -config is required", err)
	}
}

func TestRun_BadConfig(t *testing.T) {
	err := run([]string{"-config", "/nonexistent/streams.yaml"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "creating server") {
		t.Errorf("run() error = %v, want creating server", err)
	}
}

func TestServeHTTP_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		ReadHeaderTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(ctx, srv, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	var resp *http.Response
	for range 50 {
		resp, err = http.Get("http://" + addr + "/")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveHTTP() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serveHTTP did not return after cancel")
	}
}

func TestServeHTTP_ListenError(t *testing.T) {
	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	srv := &http.Server{Addr: strings.TrimPrefix(busy.URL, "http://"), ReadHeaderTimeout: time.Second}
	err := serveHTTP(context.Background(), srv, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "serving http") {
		t.Errorf("serveHTTP() error = %v, want serving http", err)
	}
}
