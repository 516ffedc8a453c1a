// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/config"
	pg "github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/db/postgres"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/logging"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/metrics"
	red "github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/redis"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/web"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/infra/worker"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/jobs"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/separation"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, insecure cookies)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	metrics.MustRegister()

	// ---- Startup phase: load or probe the model ensemble before the
	// server accepts work. A pool that cannot initialize is fatal.
	tools := separation.Tools{
		FFmpeg:  cfg.Tools.FFmpegPath,
		FFprobe: cfg.Tools.FFprobePath,
		Demucs:  cfg.Tools.DemucsPath,
	}
	backend := separation.NewDemucsBackend(tools, logger)
	variants := make([]separation.ModelVariant, 0, len(cfg.Models.Ensemble))
	for _, m := range cfg.Models.Ensemble {
		variants = append(variants, separation.ModelVariant{
			Name:           m.Name,
			CheckpointPath: filepath.Join(cfg.Models.CheckpointDir, m.File),
			MemoryMB:       m.MemoryMB,
		})
	}
	pool, err := separation.NewModelPool(ctx, backend, variants, cfg.Models.MemoryBudgetMB, cfg.Models.Strategy, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("model pool initialization failed")
	}
	defer pool.Close()
	logger.Info().Str("strategy", pool.Strategy()).Int("models", len(variants)).Msg("model pool ready")

	// ---- Registry and optional sinks ----
	registry := jobs.NewRegistry(cfg.Jobs.RootDir, logger)

	if cfg.Redis.Enabled {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		registry.AttachSink(red.NewProgressSink(redisClient, cfg.Redis.TTL))
		logger.Info().Msg("redis progress sink attached")
	}

	if cfg.Database.Enabled {
		pgPool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pgPool.Close()
		archive := pg.NewJobArchive(pgPool)
		if err := archive.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres migration failed")
		}
		registry.AttachArchive(archive)
		logger.Info().Msg("postgres job archive attached")
	}

	// ---- Pipeline and workers ----
	segmenter := separation.NewSegmenter(tools, logger)
	executor := separation.NewExecutor(pool, separation.RetryPolicy{
		DefaultChunk: cfg.Inference.ChunkSeconds,
		Step:         cfg.Inference.ChunkStep,
		MinChunk:     cfg.Inference.MinChunk,
		MaxAttempts:  cfg.Inference.MaxAttempts,
	}, cfg.Inference.Concurrency, logger)
	reassembler := separation.NewReassembler(tools, separation.OutputSpec{
		Format:      cfg.Output.Format,
		Channels:    cfg.Output.Channels,
		BitrateKbps: cfg.Output.BitrateKbps,
	}, logger)

	pipeline := jobs.NewPipeline(segmenter, pool, executor, reassembler, jobs.PipelineConfig{
		MaxSegmentSeconds: cfg.Segmenter.MaxSegmentSeconds,
		DefaultStems:      cfg.Output.DefaultStems,
	}, logger)

	workers := worker.NewPool(cfg.Jobs.Workers, cfg.Jobs.QueueSize, logger)
	workers.Start(ctx)
	engine := jobs.NewEngine(registry, pipeline, workers, logger)

	// ---- HTTP server ----
	server := web.NewServer(cfg, engine, pool, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	workers.Stop()
	cancel()
}
