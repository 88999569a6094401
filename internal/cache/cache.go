// Package cache provides a bounded cache of resized tile images.
//
// A TileCache is meant to live for a single mosaic request: repeated cells
// that resolve to the same reference reuse the resized image instead of
// fetching it again. It is never shared between requests.
package cache

import (
	"fmt"
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TileCache caches resized tiles by reference. A nil *TileCache is a valid,
// always-missing cache.
type TileCache struct {
	tiles *lru.Cache[string, image.Image]
}

// NewTileCache creates a cache holding at most size tiles.
func NewTileCache(size int) (*TileCache, error) {
	tiles, err := lru.New[string, image.Image](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	return &TileCache{tiles: tiles}, nil
}

// Get retrieves a tile from cache.
func (c *TileCache) Get(key string) (image.Image, bool) {
	if c == nil {
		return nil, false
	}
	return c.tiles.Get(key)
}

// Add stores a tile in cache.
func (c *TileCache) Add(key string, img image.Image) {
	if c == nil {
		return
	}
	c.tiles.Add(key, img)
}

// Len returns the number of cached tiles.
func (c *TileCache) Len() int {
	if c == nil {
		return 0
	}
	return c.tiles.Len()
}

// TileKey generates a cache key for a resized tile.
func TileKey(container, name string, tileSize int) string {
	return fmt.Sprintf("tile:%s/%s@%d", container, name, tileSize)
}
