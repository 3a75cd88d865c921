package main

import (
	"context"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"fleet-engine/internal/broadcast"
	"fleet-engine/internal/config"
	"fleet-engine/internal/metrics"
	"fleet-engine/internal/monitor"
	"fleet-engine/internal/proximity"
	"fleet-engine/internal/sim"
	"fleet-engine/internal/store"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := store.Ping(ctx, db); err != nil {
		log.Fatalf("db ping error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.TickInterval, cfg.MaxBuses)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var pubMetrics broadcast.PublisherMetrics
	if mcol != nil {
		pubMetrics = mcol
	}
	pub, err := broadcast.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, pubMetrics)
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	st := store.New(db)

	// Outbound location writer: decouples tick cadence from write latency.
	var writerMetrics store.WriterMetrics
	if mcol != nil {
		writerMetrics = mcol
	}
	writer := store.NewLocationWriter(st, cfg.WriteQueueSize, writerMetrics)
	writerCtx, writerCancel := context.WithCancel(context.Background())
	go writer.Run(writerCtx)

	var detMetrics proximity.DetectorMetrics
	if mcol != nil {
		detMetrics = mcol
	}
	detector := proximity.NewDetector(cfg.ProximityCooldown, kmhToMps(cfg.AvgSpeedKmh), pub, detMetrics)

	mover := sim.NewMover(sim.MoverConfig{
		AvgSpeedMps:      kmhToMps(cfg.AvgSpeedKmh),
		MinSpeedMps:      kmhToMps(cfg.MinSpeedKmh),
		MaxSpeedMps:      kmhToMps(cfg.MaxSpeedKmh),
		TrafficVariation: cfg.TrafficVariation,
		DwellMin:         cfg.DwellMin,
		DwellMax:         cfg.DwellMax,
	}, rand.New(rand.NewSource(time.Now().UnixNano())))

	engine := sim.NewEngine(sim.Config{
		TickInterval:      cfg.TickInterval,
		RefreshInterval:   cfg.RefreshInterval,
		MaxBuses:          cfg.MaxBuses,
		AutoAssignRoutes:  cfg.AutoAssignRoutes,
		WaypointDensityM:  cfg.WaypointDensityM,
		PathVariationM:    cfg.PathVariationM,
		SeedSnapRadiusM:   cfg.SeedSnapRadiusM,
		DefaultCompletion: cfg.DefaultCompletion,
	}, st, mover, writer, pub, detector, mcol, nil)

	var monMetrics monitor.MonitorMetrics
	if mcol != nil {
		monMetrics = mcol
	}
	mon := monitor.New(engine, cfg.MonitorPollInterval, cfg.MonitorMaxRestarts, monMetrics)
	if err := mon.Start(ctx); err != nil {
		// Not fatal: the monitor keeps retrying the engine under its
		// restart budget.
		log.Printf("engine start: %v", err)
	}

	// Block until context cancelled
	<-ctx.Done()
	mon.Stop()
	writerCancel()
	writer.Wait()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

func kmhToMps(kmh float64) float64 { return kmh / 3.6 }
