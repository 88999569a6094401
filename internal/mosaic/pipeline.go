package mosaic

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/cache"
	"github.com/mosaicart/server/internal/render"
	"github.com/mosaicart/server/pkg/colorband"
)

// Config contains pipeline configuration.
type Config struct {
	// GridDivisor and TileSize are the defaults for Params left at zero.
	GridDivisor int
	TileSize    int
	// MaxInFlight caps concurrent tile fetches. Zero or negative is unbounded.
	MaxInFlight  int
	FetchTimeout time.Duration
	OutputDir    string
	// CacheSize is the per-request resized tile cache capacity. Zero disables it.
	CacheSize int
}

// Params are the per-run size parameters.
type Params struct {
	GridDivisor int
	TileSize    int
	// Progress, when set, is called from fetch goroutines after each cell.
	Progress func(done, total int)
}

// Result describes a finished mosaic.
type Result struct {
	Artifact    string        `json:"artifact"`
	Path        string        `json:"path"`
	GridWidth   int           `json:"grid_width"`
	GridHeight  int           `json:"grid_height"`
	Cells       int           `json:"cells"`
	Matched     int           `json:"matched"`
	NoMatch     int           `json:"no_match"`
	FetchFailed int           `json:"fetch_failed"`
	Bytes       int           `json:"bytes"`
	Duration    time.Duration `json:"duration_ns"`
}

// Pipeline runs downsample, index load, resolve+fetch fan-out, and composite.
type Pipeline struct {
	cfg        Config
	rows       RowSource
	assets     assetstore.Store
	compositor *render.Compositor
	choose     Chooser
}

// NewPipeline creates a new pipeline.
func NewPipeline(cfg Config, rows RowSource, assets assetstore.Store) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		rows:       rows,
		assets:     assets,
		compositor: render.NewCompositor(),
	}
}

// SetChooser overrides the candidate selection used by Resolve.
func (p *Pipeline) SetChooser(c Chooser) {
	p.choose = c
}

// Resolved fills zero-valued Params from the pipeline defaults.
func (p *Pipeline) Resolved(params Params) Params {
	if params.GridDivisor <= 0 {
		params.GridDivisor = p.cfg.GridDivisor
	}
	if params.TileSize <= 0 {
		params.TileSize = p.cfg.TileSize
	}
	return params
}

// Validate checks that img produces a non-empty grid under params.
func (p *Pipeline) Validate(img image.Image, params Params) error {
	params = p.Resolved(params)
	if params.TileSize <= 0 {
		return fmt.Errorf("tile size must be positive, got %d", params.TileSize)
	}
	_, _, err := GridSize(img.Bounds(), params.GridDivisor)
	return err
}

// Run builds the mosaic for img and persists it under its deterministic
// artifact name. Per-tile failures never fail the run; validation errors,
// index load failures and ctx cancellation do.
func (p *Pipeline) Run(ctx context.Context, img image.Image, params Params) (*Result, error) {
	start := time.Now()
	params = p.Resolved(params)
	if err := p.Validate(img, params); err != nil {
		return nil, err
	}

	grid, err := Downsample(img, params.GridDivisor)
	if err != nil {
		return nil, err
	}

	index, err := LoadIndex(ctx, p.rows)
	if err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] grid %dx%d, index %d rows in %d buckets (%d skipped)",
		grid.Width, grid.Height, index.Rows(), index.Buckets(), index.Skipped())

	var tileCache *cache.TileCache
	if p.cfg.CacheSize > 0 {
		tileCache, err = cache.NewTileCache(p.cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	fetcher := NewFetcher(FetcherConfig{
		Assets:   p.assets,
		TileSize: params.TileSize,
		Timeout:  p.cfg.FetchTimeout,
		Cache:    tileCache,
	})

	tiles, outcomes, err := p.fetchAll(ctx, grid, index, fetcher, params.Progress)
	if err != nil {
		return nil, err
	}

	canvas, err := p.compositor.Compose(tiles, grid.Width, grid.Height, params.TileSize)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	data, err := p.compositor.Encode(canvas)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	name := render.ArtifactName(params.GridDivisor, params.TileSize)
	path, err := render.WriteArtifact(p.cfg.OutputDir, name, data)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Artifact:   name,
		Path:       path,
		GridWidth:  grid.Width,
		GridHeight: grid.Height,
		Cells:      len(grid.Cells),
		Bytes:      len(data),
		Duration:   time.Since(start),
	}
	for _, o := range outcomes {
		switch o {
		case OutcomeMatched:
			res.Matched++
		case OutcomeNoMatch:
			res.NoMatch++
		case OutcomeFetchFailed:
			res.FetchFailed++
		}
	}
	log.Printf("[Pipeline] wrote %s (%d bytes): matched=%d no_match=%d fetch_failed=%d in %v",
		path, len(data), res.Matched, res.NoMatch, res.FetchFailed, res.Duration)
	return res, nil
}

// fetchAll fans out one resolve+fetch per cell, at most MaxInFlight at a
// time, and joins into slices indexed by cell position so row-major order
// survives any completion order.
func (p *Pipeline) fetchAll(
	ctx context.Context,
	grid *Grid,
	index *Index,
	fetcher *Fetcher,
	progress func(done, total int),
) ([]image.Image, []Outcome, error) {
	total := len(grid.Cells)
	tiles := make([]image.Image, total)
	outcomes := make([]Outcome, total)

	var sem chan struct{}
	if p.cfg.MaxInFlight > 0 {
		sem = make(chan struct{}, p.cfg.MaxInFlight)
	}

	var (
		wg   sync.WaitGroup
		done atomic.Int64
	)

dispatch:
	for i, cell := range grid.Cells {
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break dispatch
			}
		}

		wg.Add(1)
		go func(i int, key colorband.Key) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}

			ref, ok := index.Resolve(key, p.choose)
			tiles[i], outcomes[i] = fetcher.Fetch(ctx, ref, ok)

			n := done.Add(1)
			if progress != nil {
				progress(int(n), total)
			}
		}(i, colorband.KeyOf(cell.Color))
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return tiles, outcomes, nil
}
