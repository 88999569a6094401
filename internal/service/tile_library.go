package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/pkg/colorband"
)

var (
	// ErrInvalidImage is returned when tile bytes cannot be decoded.
	ErrInvalidImage = errors.New("invalid tile image")
	// ErrTileNotFound is returned when removing a tile with no metadata row.
	ErrTileNotFound = errors.New("tile not found")
)

// TileIndex is the metadata side of the tile library.
type TileIndex interface {
	Insert(ctx context.Context, bucketKey, imageURL string) (int64, error)
	CountByBucket(ctx context.Context) (map[string]int, error)
	DeleteByURL(ctx context.Context, imageURL string) (int64, error)
}

// TileLibraryConfig contains tile library configuration.
type TileLibraryConfig struct {
	Assets    assetstore.Store
	Index     TileIndex
	Container string
	// URLPrefix is prepended to "<container>/<name>" to form image URLs.
	URLPrefix string
}

// TileLibrary ingests candidate tiles and reports bucket coverage.
type TileLibrary struct {
	assets    assetstore.Store
	index     TileIndex
	container string
	urlPrefix string
}

// IngestedTile describes a tile added to the library.
type IngestedTile struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	BucketKey string `json:"bucket_key"`
	ImageURL  string `json:"image_url"`
	Average   string `json:"average"`
}

// Coverage reports how many tiles each bucket holds.
type Coverage struct {
	Tiles   int            `json:"tiles"`
	Covered int            `json:"covered"`
	Total   int            `json:"total"`
	Buckets map[string]int `json:"buckets"`
	Missing []string       `json:"missing"`
}

// NewTileLibrary creates a new tile library.
func NewTileLibrary(cfg TileLibraryConfig) *TileLibrary {
	container := cfg.Container
	if container == "" {
		container = "images"
	}
	return &TileLibrary{
		assets:    cfg.Assets,
		index:     cfg.Index,
		container: container,
		urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/"),
	}
}

// Container returns the asset container tiles are stored in.
func (l *TileLibrary) Container() string {
	return l.container
}

// ImageURL returns the URL recorded for a tile named name.
func (l *TileLibrary) ImageURL(name string) string {
	return l.urlPrefix + "/" + l.container + "/" + name
}

// AverageColor returns the mean color of img. Box-filtering to a single pixel
// weighs every source pixel equally.
func AverageColor(img image.Image) color.NRGBA {
	return imaging.Resize(img, 1, 1, imaging.Box).NRGBAAt(0, 0)
}

// Ingest stores data as a tile under its average color's bucket. An empty
// name gets a generated one.
func (l *TileLibrary) Ingest(ctx context.Context, name string, data []byte) (*IngestedTile, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if name == "" {
		name = uuid.NewString()
	}

	avg := AverageColor(img)
	key := colorband.KeyOf(avg)

	if err := l.assets.Put(ctx, l.container, name, data); err != nil {
		return nil, err
	}
	url := l.ImageURL(name)
	id, err := l.index.Insert(ctx, key.String(), url)
	if err != nil {
		if derr := l.assets.Delete(context.Background(), l.container, name); derr != nil {
			log.Printf("[TileLibrary] failed to remove orphaned tile %s: %v", name, derr)
		}
		return nil, fmt.Errorf("failed to insert tile row: %w", err)
	}

	return &IngestedTile{
		ID:        id,
		Name:      name,
		BucketKey: key.String(),
		ImageURL:  url,
		Average:   fmt.Sprintf("#%02x%02x%02x", avg.R, avg.G, avg.B),
	}, nil
}

// Remove deletes a tile's metadata rows and its stored bytes.
func (l *TileLibrary) Remove(ctx context.Context, name string) error {
	n, err := l.index.DeleteByURL(ctx, l.ImageURL(name))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTileNotFound
	}
	return l.assets.Delete(ctx, l.container, name)
}

// Coverage counts tiles per bucket over all 512 keys.
func (l *TileLibrary) Coverage(ctx context.Context) (*Coverage, error) {
	counts, err := l.index.CountByBucket(ctx)
	if err != nil {
		return nil, err
	}

	cov := &Coverage{
		Total:   colorband.NumKeys,
		Buckets: make(map[string]int),
		Missing: []string{},
	}
	for _, k := range colorband.AllKeys() {
		n := counts[k.String()]
		cov.Tiles += n
		if n == 0 {
			cov.Missing = append(cov.Missing, k.String())
			continue
		}
		cov.Covered++
		cov.Buckets[k.String()] = n
	}
	return cov, nil
}
