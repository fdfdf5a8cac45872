// Command replicad runs one replica of the messaging replication core: it
// wires together the bolt-backed repository, the NATS gossip transport and
// the sync engine, and exposes a /health endpoint for the operator. Metrics
// are pushed over OTLP; /metrics is mounted only when otelinit.InitMetrics
// returns an HTTP handler, which it does not.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	logging "github.com/burrowmesh/replicacore/libs/go/core/logging"
	"github.com/burrowmesh/replicacore/libs/go/core/otelinit"

	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/ids"
	"github.com/burrowmesh/replicacore/internal/store/boltstore"
	"github.com/burrowmesh/replicacore/internal/syncengine"
	"github.com/burrowmesh/replicacore/internal/transport/natstransport"
)

const serviceName = "replicad"

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, serviceName)

	self := selfPeerID()
	hlc := clock.NewHybridLogicalClock(self)

	repo, err := boltstore.Open(getEnv("BURROW_BOLT_PATH", "./replica.db"), hlc)
	if err != nil {
		slog.Error("open bolt store failed", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	transport, err := natstransport.Dial(
		getEnv("BURROW_NATS_URL", "nats://127.0.0.1:4222"),
		getEnv("BURROW_GOSSIP_SUBJECT_PREFIX", "burrow.replica"),
		self,
	)
	if err != nil {
		slog.Error("connect nats transport failed", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	engine, err := syncengine.NewEngine(self, repo, transport, syncengine.Options{
		InventoryInterval: inventoryIntervalFromEnv(),
	})
	if err != nil {
		slog.Error("construct sync engine failed", "error", err)
		os.Exit(1)
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"peer_id": self.String(),
		})
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	httpSrv := &http.Server{
		Addr:         getEnv("BURROW_HTTP_ADDR", ":8090"),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("replicad started", "peer_id", self.String(), "http_addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown initiated")
	case err := <-engineDone:
		if err != nil && err != context.Canceled {
			slog.Error("sync engine stopped unexpectedly", "error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	slog.Info("shutdown complete")
}

// selfPeerID derives this replica's identity from BURROW_NODE_ID, falling
// back to a per-process random value so a dev instance still boots without
// configuration.
func selfPeerID() ids.PeerId {
	if raw := os.Getenv("BURROW_NODE_ID"); raw != "" {
		if id, err := ids.ParsePeerId(raw); err == nil {
			return id
		}
		return ids.PeerIdFromPublicKey([]byte(raw))
	}
	return ids.PeerIdFromPublicKey([]byte(fmt.Sprintf("replicad-%d-%d", os.Getpid(), time.Now().UnixNano())))
}

func inventoryIntervalFromEnv() time.Duration {
	raw := os.Getenv("BURROW_INVENTORY_INTERVAL")
	if raw == "" {
		return syncengine.DefaultInventoryInterval
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		slog.Warn("ignoring invalid BURROW_INVENTORY_INTERVAL", "value", raw)
		return syncengine.DefaultInventoryInterval
	}
	return time.Duration(secs) * time.Second
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
