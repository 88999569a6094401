package mosaic

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/cache"
	"github.com/mosaicart/server/internal/render"
)

// Outcome records how a cell's tile was obtained.
type Outcome int

const (
	// OutcomeMatched means a candidate was fetched and resized.
	OutcomeMatched Outcome = iota
	// OutcomeNoMatch means the bucket had no candidates.
	OutcomeNoMatch
	// OutcomeFetchFailed means retrieval or decoding failed.
	OutcomeFetchFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeFetchFailed:
		return "fetch_failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// FetcherConfig contains tile fetcher configuration.
type FetcherConfig struct {
	Assets   assetstore.Store
	TileSize int
	// Timeout bounds each retrieval. Zero means no bound beyond ctx.
	Timeout time.Duration
	// Cache is optional and must be scoped to one request.
	Cache *cache.TileCache
}

// Fetcher turns a resolved reference into a tileSize x tileSize image.
// Any failure degrades to the fallback tile.
type Fetcher struct {
	assets   assetstore.Store
	tileSize int
	timeout  time.Duration
	cache    *cache.TileCache
	fallback image.Image
}

// NewFetcher creates a new fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	return &Fetcher{
		assets:   cfg.Assets,
		tileSize: cfg.TileSize,
		timeout:  cfg.Timeout,
		cache:    cfg.Cache,
		fallback: render.FallbackTile(cfg.TileSize),
	}
}

// Fallback returns the shared fallback tile. Callers must not modify it.
func (f *Fetcher) Fallback() image.Image {
	return f.fallback
}

// Fetch resolves ref to a tile image. When ok is false no store access is
// made and the fallback is returned.
func (f *Fetcher) Fetch(ctx context.Context, ref Ref, ok bool) (image.Image, Outcome) {
	if !ok {
		return f.fallback, OutcomeNoMatch
	}

	container, name, err := ref.Location()
	if err != nil {
		return f.fallback, OutcomeFetchFailed
	}

	key := cache.TileKey(container, name, f.tileSize)
	if img, hit := f.cache.Get(key); hit {
		return img, OutcomeMatched
	}

	data, err := f.retrieve(ctx, container, name)
	if err != nil {
		return f.fallback, OutcomeFetchFailed
	}

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return f.fallback, OutcomeFetchFailed
	}

	tile := imaging.Resize(src, f.tileSize, f.tileSize, imaging.Lanczos)
	f.cache.Add(key, tile)
	return tile, OutcomeMatched
}

type retrieval struct {
	data []byte
	err  error
}

// retrieve performs one asset store read, giving up when the timeout or ctx
// expires even if the store ignores cancellation.
func (f *Fetcher) retrieve(ctx context.Context, container, name string) ([]byte, error) {
	if f.assets == nil {
		return nil, fmt.Errorf("no asset store configured")
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	ch := make(chan retrieval, 1)
	go func() {
		data, err := f.assets.Get(ctx, container, name)
		ch <- retrieval{data: data, err: err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
