package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labtrack/internal/app"
	"labtrack/internal/auth"
	"labtrack/internal/badge"
	"labtrack/internal/cloudinary"
	"labtrack/internal/config"
	"labtrack/internal/dashboard"
	"labtrack/internal/httpapi"
	"labtrack/internal/member"
	"labtrack/internal/metrics"
	"labtrack/internal/realtime"
	"labtrack/internal/scan"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	codec := member.NewCodec(cfg.QRPrefix)

	// Badges are rendered by the worker; without a badge store nobody would
	// consume the jobs.
	var badges member.BadgeRequester
	if cfg.BadgeStore != "none" {
		badges = badge.NewRequester(backends.Queue)
	}
	members := member.NewService(backends.Store, codec, badges)

	scans := scan.NewService(backends.Store, member.NewResolver(backends.Store, codec, cfg.QRStrictMemberID), backends.Gate, cfg.BackendTimeout)
	scans.SetObserver(m)

	dash := dashboard.NewService(backends.Store, cfg.DashboardWindow, cfg.Location())
	dash.SetObserver(m)
	// keep the occupancy gauges current even when nobody watches the dashboard
	gauges, err := dash.Watch(ctx, func(dashboard.View) {})
	if err != nil {
		return err
	}
	defer gauges.Close()

	enroller := auth.NewEnroller(cfg.StationEnrollKeyHash)
	if enroller.Open() {
		log.Println("warning: STATION_ENROLL_KEY_HASH not set, any client can register a station")
	}

	h := httpapi.New(backends.Store, members, scans, dash, enroller, httpapi.Options{
		JWTIssuer:       cfg.JWTIssuer,
		JWTSigningKey:   cfg.JWTSigningKey,
		AccessTTL:       cfg.AccessTTL,
		MemberLogWindow: cfg.MemberLogWindow,
		LogWindow:       cfg.DashboardWindow,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Metrics:         promhttp.Handler(),
	})
	h.AddHealthCheck("db", backends.Store.Ping)
	if backends.Redis != nil {
		h.AddHealthCheck("redis", func(ctx context.Context) error { return backends.Redis.Client.Ping(ctx).Err() })
	}
	if bus, ok := backends.Bus.(*realtime.MQTTBus); ok {
		h.AddHealthCheck("mqtt", func(context.Context) error {
			if !bus.IsConnected() {
				return errors.New("mqtt disconnected")
			}
			return nil
		})
	}

	// Cloudinary client (nil when not configured)
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		h.SetImageUploader(cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder))
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured, profile photo uploads disabled")
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: dashboard streams are long-lived and end with ctx
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s (store=%s realtime=%s throttle=%s)",
			cfg.HTTPPort, cfg.StoreBackend, cfg.RealtimeBackend, cfg.ThrottleBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
