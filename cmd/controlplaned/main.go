// Command controlplaned runs the authoritative Control Plane Server
// (spec.md §4.9): the HTTP surface in §6.1 over a Postgres-backed Store,
// with token-scoped auth and periodic stale-record cleanup.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanrage/mesh/internal/controlplaneserver"
	"github.com/lanrage/mesh/pkg/mesh"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	addr := flag.String("listen", ":8443", "HTTP listen address")
	dsn := flag.String("dsn", os.Getenv("LANRAGE_DSN"), "Postgres connection string (postgres://...)")
	metricsAddr := flag.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flag.Parse()

	if *dsn == "" {
		slog.Error("controlplaned: -dsn (or LANRAGE_DSN) is required")
		os.Exit(1)
	}

	slog.Info("controlplaned: starting", "version", version, "commit", commit, "listen", *addr)

	store, err := controlplaneserver.OpenStore(*dsn)
	if err != nil {
		slog.Error("controlplaned: failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := controlplaneserver.NewServer(*addr, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, mesh.NewMetrics())
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("controlplaned: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("controlplaned: shutdown error", "error", err)
		}
	case err := <-errc:
		if err != nil {
			slog.Error("controlplaned: server error", "error", err)
			os.Exit(1)
		}
	}
}

func serveMetrics(addr string, m *mesh.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	slog.Info("controlplaned: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("controlplaned: metrics server failed", "error", err)
	}
}
