package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ayooooo123/peartube-sub004/appendlog"
	"github.com/ayooooo123/peartube-sub004/blobbridge"
	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/coreapi"
	"github.com/ayooooo123/peartube-sub004/driveregistry"
	"github.com/ayooooo123/peartube-sub004/feedgossip"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/prefetch"
	"github.com/ayooooo123/peartube-sub004/seeding"
	"github.com/ayooooo123/peartube-sub004/swarm"
)

const shutdownTimeout = 5 * time.Second

type nodeOptions struct {
	dataDir             string
	listenAddr          string
	controlAddr         string
	maxConcurrentBlocks int64
	blobCacheBytes      int
	verbosity           string
}

// driveLookupAdapter satisfies blobbridge.DriveLookup from a DriveRegistry.
type driveLookupAdapter struct {
	registry *driveregistry.Registry
}

func (d driveLookupAdapter) DriveByChannelKey(key common.ChannelKey) *appendlog.Drive {
	return d.registry.DriveByChannelKey(key)
}

// startNode wires DriveRegistry, SwarmHost, FeedGossip, PrefetchEngine,
// SeedingManager, BlobBridge and the control-plane server together in
// dependency order (spec.md §2: "leaves first"), then blocks until
// interrupted.
func startNode(opts nodeOptions) error {
	if opts.verbosity != "" {
		log.SetVerbosity(opts.verbosity)
	}
	l := log.New("component", "peartubed")

	seedMgr, err := seeding.Open(filepath.Join(opts.dataDir, "seeding.db"))
	if err != nil {
		l.Crit("failed to open seeding store", "err", err)
	}
	defer seedMgr.Close()

	// Gossip and SwarmHost depend on each other (fan-out vs. message
	// dispatch), so Gossip starts without a broadcaster and is given the
	// host with SetBroadcaster once both exist.
	gossip := feedgossip.New(nil, nil)
	host := swarm.NewHost(gossip, nil)
	gossip.SetBroadcaster(host)

	maxConcurrentBlocks := opts.maxConcurrentBlocks
	if maxConcurrentBlocks <= 0 {
		maxConcurrentBlocks = 8
	}
	blobCacheBytes := opts.blobCacheBytes
	if blobCacheBytes <= 0 {
		blobCacheBytes = 32 << 20
	}

	registry := driveregistry.New(filepath.Join(opts.dataDir, "drives"), host)
	engine := prefetch.New(registry, host, seedMgr, nil, maxConcurrentBlocks)

	bridge := blobbridge.New(driveLookupAdapter{registry: registry}, blobCacheBytes, engine)
	port, err := bridge.Listen()
	if err != nil {
		l.Crit("failed to start blob bridge", "err", err)
	}
	l.Info("blob bridge ready", "port", port)

	api := coreapi.New(registry, host, gossip, engine, seedMgr, bridge)
	gossip.SetSink(api)
	engine.SetSink(api)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", api.ServeHTTP)
	controlServer := &http.Server{Addr: opts.controlAddr, Handler: mux}
	go func() {
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("control plane server stopped", "err", err)
		}
	}()
	l.Info("control plane listening", "addr", opts.controlAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := host.Listen(ctx, opts.listenAddr)
	if err != nil {
		l.Crit("failed to start swarm listener", "err", err)
	}
	l.Info("swarm listening", "addr", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	l.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	controlServer.Shutdown(shutdownCtx)
	bridge.Close(shutdownCtx)
	return nil
}
