package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/floatchat/floatchat/internal/api"
	"github.com/floatchat/floatchat/internal/artifact"
	"github.com/floatchat/floatchat/internal/config"
	"github.com/floatchat/floatchat/internal/export"
	"github.com/floatchat/floatchat/internal/ingest"
	"github.com/floatchat/floatchat/internal/livefeed"
	"github.com/floatchat/floatchat/internal/metrics"
	"github.com/floatchat/floatchat/internal/ocean"
	"github.com/floatchat/floatchat/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the floatchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runServer(addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: 127.0.0.1:<server.port>)")
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openArtifactBucket opens the export bucket, creating the directory first
// for file:// URLs.
func openArtifactBucket(ctx context.Context, url string) (*artifact.Bucket, error) {
	if dir, ok := strings.CutPrefix(url, "file://"); ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory: %w", err)
		}
	}
	return artifact.OpenBucket(ctx, url, "exports/")
}

func newPipeline(cfg config.ExportConfig, store *storage.Store, bucket *artifact.Bucket) export.Pipeline {
	if cfg.Simulate {
		return &export.Simulator{Interval: cfg.TickInterval, Step: cfg.Step, FailureRate: cfg.FailureRate}
	}
	return export.NewArtifactPipeline(store, bucket, cfg.Step)
}

func runServer(addr string) error {
	fmt.Fprintf(os.Stderr, "floatchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if cfg.Seed.DemoData {
		now := time.Now()
		floats, measurements := ocean.DemoFleet(rand.New(rand.NewPCG(uint64(now.UnixNano()), 0)), now)
		seeded, err := store.SeedIfEmpty(floats, measurements)
		if err != nil {
			return fmt.Errorf("seeding demo data: %w", err)
		}
		if seeded {
			slog.Info("seeded demo fleet", "floats", len(floats), "measurements", len(measurements))
		}
	}

	bucketURL := cfg.ArtifactBucketURL()
	bucket, err := openArtifactBucket(ctx, bucketURL)
	if err != nil {
		return fmt.Errorf("opening artifact bucket: %w", err)
	}
	defer bucket.Close()

	m := metrics.New(nil)
	tracker := export.NewTracker(newPipeline(cfg.Export, store, bucket), export.Options{
		Timeout:      cfg.Export.Timeout,
		HistoryLimit: cfg.Export.HistoryLimit,
		Recorder:     store,
		Artifacts:    bucket,
		Metrics:      m,
		Logger:       slog.Default().With("component", "export"),
	})
	restored, err := tracker.Restore()
	if err != nil {
		return fmt.Errorf("restoring export jobs: %w", err)
	}
	slog.Info("export tracker ready", "restored_jobs", restored, "simulate", cfg.Export.Simulate, "bucket", bucketURL)

	publisher := livefeed.NewPublisher(store, tracker, cfg.Stats.Interval, m)

	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Tracker: tracker,
			Store:   store,
			Bucket:  bucket,
			Events:  publisher,
			Metrics: m,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		publisher.Run(gctx)
		return nil
	})
	if cfg.Seed.LiveUpdates {
		fleet := ingest.NewWorker(store, cfg.Seed.UpdateInterval, nil)
		g.Go(func() error {
			slog.Info("demo fleet updates enabled", "interval", cfg.Seed.UpdateInterval)
			fleet.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("floatchat listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		tracker.Close()
		return err
	})

	return g.Wait()
}
