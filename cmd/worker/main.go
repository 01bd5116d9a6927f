package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labtrack/internal/app"
	"labtrack/internal/badge"
	"labtrack/internal/cloudinary"
	"labtrack/internal/config"
	"labtrack/internal/member"
	"labtrack/internal/metrics"
)

// Worker consumes badge jobs, renders QR badges and publishes them to the
// configured badge store.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Fatal("the worker needs a shared queue, set QUEUE_BACKEND=redis")
	}

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("badge store: %v", err)
	}

	backends, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}
	defer backends.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go serveMetrics(ctx, cfg.WorkerMetricsAddr, reg)

	w := badge.NewWorker(backends.Store, member.NewCodec(cfg.QRPrefix), uploader)
	w.SetObserver(m)
	if err := w.Run(ctx, backends.Queue); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func newUploader(ctx context.Context, cfg config.App) (badge.Uploader, error) {
	switch cfg.BadgeStore {
	case "cloudinary":
		log.Println("badge store: cloudinary", cfg.CloudinaryCloudName)
		return badge.NewCloudinary(cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)), nil
	case "s3":
		log.Println("badge store: s3 bucket", cfg.S3Bucket)
		return badge.NewS3(ctx, badge.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("BADGE_STORE must be cloudinary or s3, got %q", cfg.BadgeStore)
	}
}

// serveMetrics exposes the worker's own registry when addr is set.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Printf("worker metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server: %v", err)
	}
}
