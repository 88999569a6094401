// Package main is the entry point for the mosaic server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mosaicart/server/internal/api"
	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/config"
	"github.com/mosaicart/server/internal/mosaic"
	"github.com/mosaicart/server/internal/service"
	"github.com/mosaicart/server/internal/tilestore"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting mosaic server on port %d", cfg.Server.Port)

	ctx := context.Background()

	tiles, err := tilestore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open tile metadata store: %v", err)
	}
	defer tiles.Close()
	if n, err := tiles.Count(ctx); err == nil {
		log.Printf("Tile metadata: %d rows (%s)", n, cfg.Store.SQLitePath)
	}

	assets, err := assetstore.NewFSStore(cfg.Assets.Root)
	if err != nil {
		log.Fatalf("Failed to open asset store: %v", err)
	}
	defer assets.Close()

	pipeline := mosaic.NewPipeline(mosaic.Config{
		GridDivisor:  cfg.Mosaic.GridDivisor,
		TileSize:     cfg.Mosaic.TileSize,
		MaxInFlight:  cfg.Mosaic.MaxInFlight,
		FetchTimeout: cfg.Mosaic.FetchTimeout(),
		OutputDir:    cfg.Mosaic.OutputDir,
		CacheSize:    cfg.Mosaic.CacheSize,
	}, tiles, assets)
	log.Printf("Mosaic: grid_divisor=%d, tile_size=%d, max_in_flight=%d, fetch_timeout=%v, output=%s",
		cfg.Mosaic.GridDivisor, cfg.Mosaic.TileSize, cfg.Mosaic.MaxInFlight,
		cfg.Mosaic.FetchTimeout(), cfg.Mosaic.OutputDir)

	mosaicService := service.NewMosaicService(pipeline, assets)
	tileLibrary := service.NewTileLibrary(service.TileLibraryConfig{
		Assets:    assets,
		Index:     tiles,
		Container: cfg.Assets.Bucket,
		URLPrefix: cfg.Server.PublicURL + "/assets",
	})

	// Initialize job manager for mosaic jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Mosaic job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = mosaicService.ExecuteMosaicJob
	jobManager.Discard = mosaicService.DiscardUpload
	jobManager.Notifier = api.NewWebhookNotifier(cfg.Webhooks.URLs)
	if len(cfg.Webhooks.URLs) > 0 {
		log.Printf("Webhooks: %d URL(s)", len(cfg.Webhooks.URLs))
	}

	jobManager.Start()
	defer jobManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		JobManager:     jobManager,
		Mosaics:        mosaicService,
		Tiles:          tileLibrary,
		Assets:         assets,
		OutputDir:      cfg.Mosaic.OutputDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
