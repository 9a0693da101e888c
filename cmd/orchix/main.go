package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/orchix-ai/orchix/internal/audit"
	"github.com/orchix-ai/orchix/internal/cache"
	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/codec/a2a"
	"github.com/orchix-ai/orchix/internal/codec/httpx"
	"github.com/orchix-ai/orchix/internal/codec/mcp"
	"github.com/orchix-ai/orchix/internal/codec/openapi"
	"github.com/orchix-ai/orchix/internal/codec/wsx"
	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/engine"
	"github.com/orchix-ai/orchix/internal/guardrail"
	"github.com/orchix-ai/orchix/internal/mediator"
	"github.com/orchix-ai/orchix/internal/registry"
	"github.com/orchix-ai/orchix/internal/router"
	"github.com/orchix-ai/orchix/internal/server"
	"github.com/orchix-ai/orchix/internal/stream"
	"github.com/orchix-ai/orchix/internal/telemetry"
	"github.com/orchix-ai/orchix/internal/usage"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("orchix", logger)
	if err != nil {
		log.Fatalf("init tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("ORCHIX_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audit sink: sqlite-backed asynchronous queue, or a no-op.
	var sink audit.Sink = audit.NopSink{}
	if cfg.Audit.Enabled {
		store, err := audit.NewSQLiteStore(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("open audit store: %v", err)
		}
		defer store.Close()
		queue := audit.NewQueue(store, cfg.Audit.QueueSize, logger)
		queue.Start(ctx)
		defer queue.Wait()
		sink = queue
	}

	codecs := codec.NewRegistry()
	codecs.Register(httpx.New())
	codecs.Register(mcp.New(cfg.Codec.MCP.ProtocolVersion, cfg.Codec.MCP.MaxFrameBytes))
	codecs.Register(a2a.New(cfg.Codec.A2A.Version))
	codecs.Register(openapi.New())
	codecs.Register(wsx.New(cfg.Codec.WebSocket.MaxMessageBytes))

	reg, err := registry.New(cfg.Registry, logger)
	if err != nil {
		log.Fatalf("load registry: %v", err)
	}
	go reg.Run(ctx)

	authorizer := guardrail.NewAPIKeyAuthorizer(cfg.Security.APIKeys)
	pipe, err := guardrail.Build(cfg.Guardrails, authorizer, reg, sink, logger)
	if err != nil {
		log.Fatalf("build guardrail pipeline: %v", err)
	}

	snap, err := router.Compile(cfg.Routing, cfg.Backends)
	if err != nil {
		log.Fatalf("compile routing table: %v", err)
	}
	rt := router.New(snap, logger)

	backends, err := engine.BuildBackends(cfg.Backends, codecs)
	if err != nil {
		log.Fatalf("build backends: %v", err)
	}

	analyzer := stream.NewAnalyzer(cfg.Stream, pipe, logger)
	go analyzer.Run(ctx)

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache = cache.New(cfg.Cache)
	}

	eng := engine.New(engine.Options{
		Codecs:   codecs,
		Pipeline: pipe,
		Router:   rt,
		Mediator: mediator.New(reg),
		Analyzer: analyzer,
		Backends: backends,
		Cache:    responseCache,
		Recorder: usage.NewLogRecorder(logger),
		Audit:    sink,
		Logger:   logger,
	})

	// Hot reload: rebuild the routing snapshot and guardrail chain, swap
	// atomically. Backend and codec topology changes need a restart.
	if watcher, err := config.NewWatcher(configPath, logger); err == nil {
		err := watcher.Watch(ctx, func(next *config.Config) {
			newSnap, err := router.Compile(next.Routing, next.Backends)
			if err != nil {
				logger.Error("reload: routing table rejected", slog.String("error", err.Error()))
				return
			}
			newPipe, err := guardrail.Build(next.Guardrails, guardrail.NewAPIKeyAuthorizer(next.Security.APIKeys), reg, sink, logger)
			if err != nil {
				logger.Error("reload: guardrail chain rejected", slog.String("error", err.Error()))
				return
			}
			rt.Swap(newSnap)
			eng.SwapPipeline(newPipe)
		})
		if err != nil {
			logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		}
		defer watcher.Close()
	}

	srv := server.New(cfg.Server, eng, codecs, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
