// Command relayd runs the stateless Relay Forwarder (spec.md §4.10): a
// single UDP listener that forwards encrypted tunnel packets between
// peers without decrypting them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanrage/mesh/internal/relayforwarder"
	"github.com/lanrage/mesh/pkg/mesh"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	addr := flag.String("listen", ":41820", "UDP address to forward tunnel packets on")
	maxClients := flag.Int("max-clients", 1000, "maximum simultaneous tracked client identities")
	metricsAddr := flag.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flag.Parse()

	slog.Info("relayd: starting", "version", version, "commit", commit, "listen", *addr)

	metrics := mesh.NewMetrics()
	fwd, err := relayforwarder.NewForwarder(*addr, *maxClients, metrics)
	if err != nil {
		slog.Error("relayd: failed to bind", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, metrics)
	}

	fwd.Start(ctx)
	<-ctx.Done()

	slog.Info("relayd: shutting down")
	fwd.Stop()
}

func serveMetrics(addr string, m *mesh.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	slog.Info("relayd: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("relayd: metrics server failed", "error", err)
	}
}
