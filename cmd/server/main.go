// cmd/server is the main entrypoint for a datacake cluster node.
//
// Configuration is a YAML file (spec §6's full knob surface) with a handful
// of flag overrides for the things operators most often vary per instance.
//
// Example — single node:
//
//	./server --config node.yaml
//
// Example — 3-node cluster, one config file per node naming the other two
// as seeds:
//
//	./server --config n1.yaml
//	./server --config n2.yaml
//	./server --config n3.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ltransom/datacake/internal/antientropy"
	"github.com/ltransom/datacake/internal/api"
	"github.com/ltransom/datacake/internal/clock"
	"github.com/ltransom/datacake/internal/cluster"
	"github.com/ltransom/datacake/internal/config"
	"github.com/ltransom/datacake/internal/gc"
	"github.com/ltransom/datacake/internal/lww"
	"github.com/ltransom/datacake/internal/mediator"
	"github.com/ltransom/datacake/internal/node"
	"github.com/ltransom/datacake/internal/pipeline"
	"github.com/ltransom/datacake/internal/scheduler"
	"github.com/ltransom/datacake/internal/storage"
	"github.com/ltransom/datacake/internal/transport/grpcrpc"
)

func main() {
	configPath := flag.String("config", "", "Path to the node's YAML config file (required)")
	listenOverride := flag.String("listen", "", "Override listen_addr from the config file")
	httpOverride := flag.String("http", "", "Override http_addr from the config file")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("FATAL: --config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if *listenOverride != "" {
		cfg.ListenAddr = *listenOverride
	}
	if *httpOverride != "" {
		cfg.HTTPAddr = *httpOverride
	}
	selfID := strconv.Itoa(int(cfg.NodeID))

	// ── Storage (C1) and in-memory LWW state (C3) ──────────────────────────
	store, err := storage.OpenFileStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("FATAL: open store: %v", err)
	}
	defer store.Close()

	keyspaces := lww.NewRegistry()
	if err := lww.Rebuild(store, keyspaces); err != nil {
		log.Fatalf("FATAL: rebuild C3 from store: %v", err)
	}
	clk := clock.New(cfg.NodeID)
	med := mediator.New(store, keyspaces, clk)

	// ── Membership (C5) seeded from config, Selector (C6) ──────────────────
	seeds := make([]cluster.Node, len(cfg.Seeds))
	for i, s := range cfg.Seeds {
		seeds[i] = cluster.Node{ID: s.ID, Addr: s.Addr, DC: s.DC}
	}
	members := cluster.New(seeds)
	selector := cluster.NewSelector(cfg.DCTag)

	// ── Transport (C10): gRPC for peer RPCs ─────────────────────────────────
	dialer := grpcrpc.NewDialer()
	defer dialer.CloseAll()

	engine := antientropy.New(keyspaces, med, antientropy.Config{
		OverlapWindow: cfg.AEOverlapWindow,
		PhaseTimeout:  cfg.AEPhaseTimeout,
	})
	handler := node.New(selfID, cfg.DCTag, med, engine)
	grpcServer := grpcrpc.NewServer(handler)

	// ── Write Pipeline (C7) ─────────────────────────────────────────────────
	p := pipeline.New(selfID, clk, med, keyspaces, store, members, selector, dialer, pipeline.Config{
		FanoutConcurrency: cfg.ReplicationFanoutConcurrency,
		BatchChunkSize:    cfg.BatchChunkSize,
		RequestTimeout:    cfg.RequestTimeout,
	})

	// ── Reconciliation Scheduler (C9) ───────────────────────────────────────
	sched := scheduler.New(members, dialer, engine, keyspaces, scheduler.Config{
		Interval:      cfg.AEInterval,
		Jitter:        cfg.AEJitter,
		MaxConcurrent: cfg.AEMaxConcurrent,
	})

	// ── Tombstone GC ─────────────────────────────────────────────────────────
	collector := gc.New(store, keyspaces, cfg.TombstoneGCGrace, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Printf("node %s: gRPC peer transport listening on %s", selfID, cfg.ListenAddr)
		if err := grpcServer.Serve(ctx, cfg.ListenAddr); err != nil && ctx.Err() == nil {
			log.Fatalf("FATAL: grpc serve: %v", err)
		}
	}()
	go sched.Run(ctx)
	go collector.Run(ctx)

	// ── HTTP server (client-facing Gin API) ─────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(selfID), api.Recovery(selfID))

	apiHandler := api.NewHandler(p, members, keyspaces, selfID)
	apiHandler.Register(router)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("node %s: HTTP API listening on %s", selfID, cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: http serve: %v", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down node", selfID)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := grpcServer.Stop(); err != nil {
		log.Printf("grpc shutdown error: %v", err)
	}
	fmt.Println("node", selfID, "stopped")
}
