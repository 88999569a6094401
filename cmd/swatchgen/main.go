// Package main generates solid-color calibration tiles covering every color
// bucket, either as files or seeded straight into the tile library.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/config"
	"github.com/mosaicart/server/internal/render"
	"github.com/mosaicart/server/internal/service"
	"github.com/mosaicart/server/internal/tilestore"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file (used with -seed)")
	outDir := flag.String("out", "./public/swatches", "Directory to write swatch PNGs to")
	size := flag.Int("size", 1, "Swatch edge length in pixels")
	seed := flag.Bool("seed", false, "Ingest swatches into the configured tile library instead of writing files")
	flag.Parse()

	compositor := render.NewCompositor()
	swatches := render.Swatches()

	if !*seed {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		for _, c := range swatches {
			data, err := compositor.Swatch(*size, c)
			if err != nil {
				log.Fatalf("Failed to render swatch: %v", err)
			}
			if _, err := render.WriteArtifact(*outDir, render.SwatchName(c), data); err != nil {
				log.Fatalf("Failed to write swatch: %v", err)
			}
		}
		log.Printf("Wrote %d swatches to %s", len(swatches), filepath.Clean(*outDir))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	tiles, err := tilestore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open tile metadata store: %v", err)
	}
	defer tiles.Close()

	assets, err := assetstore.NewFSStore(cfg.Assets.Root)
	if err != nil {
		log.Fatalf("Failed to open asset store: %v", err)
	}
	defer assets.Close()

	library := service.NewTileLibrary(service.TileLibraryConfig{
		Assets:    assets,
		Index:     tiles,
		Container: cfg.Assets.Bucket,
		URLPrefix: cfg.Server.PublicURL + "/assets",
	})

	ctx := context.Background()
	for _, c := range swatches {
		data, err := compositor.Swatch(*size, c)
		if err != nil {
			log.Fatalf("Failed to render swatch: %v", err)
		}
		if _, err := library.Ingest(ctx, render.SwatchName(c), data); err != nil {
			log.Fatalf("Failed to ingest %s: %v", render.SwatchName(c), err)
		}
	}

	cov, err := library.Coverage(ctx)
	if err != nil {
		log.Fatalf("Failed to read coverage: %v", err)
	}
	log.Printf("Seeded %d swatches; %d/%d buckets covered", len(swatches), cov.Covered, cov.Total)
}
