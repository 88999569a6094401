// Package render assembles resolved tiles into the mosaic canvas using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
)

// ErrTileCount is returned when the number of tiles does not match the grid.
var ErrTileCount = errors.New("tile count does not match grid")

// Compositor lays tiles onto a canvas and encodes the result.
type Compositor struct {
	bufferPool sync.Pool
}

// NewCompositor creates a new compositor.
func NewCompositor() *Compositor {
	return &Compositor{
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 256*1024))
			},
		},
	}
}

// Compose places tiles in row-major order on a gridW*tileSize by
// gridH*tileSize canvas. Tile i lands at left=(i%gridW)*tileSize,
// top=(i/gridW)*tileSize. The canvas starts opaque white.
func (c *Compositor) Compose(tiles []image.Image, gridW, gridH, tileSize int) (*image.RGBA, error) {
	if gridW <= 0 || gridH <= 0 || tileSize <= 0 {
		return nil, fmt.Errorf("invalid canvas %dx%d tiles of %dpx", gridW, gridH, tileSize)
	}
	if len(tiles) != gridW*gridH {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrTileCount, len(tiles), gridW*gridH)
	}

	dc := gg.NewContext(gridW*tileSize, gridH*tileSize)
	dc.SetColor(color.White)
	dc.Clear()

	canvas := dc.Image().(*image.RGBA)
	for i, tile := range tiles {
		if tile == nil {
			continue
		}
		left := (i % gridW) * tileSize
		top := (i / gridW) * tileSize
		dst := image.Rect(left, top, left+tileSize, top+tileSize)
		draw.Draw(canvas, dst, tile, tile.Bounds().Min, draw.Over)
	}
	return canvas, nil
}

// Encode writes img as PNG. PNG is lossless, so no chroma subsampling occurs.
func (c *Compositor) Encode(img image.Image) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		c.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// FallbackTile returns a solid, fully opaque white tile.
func FallbackTile(tileSize int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, tileSize, tileSize))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

// ArtifactName is the deterministic output name for a pair of size
// parameters. Repeated runs with the same parameters overwrite each other.
func ArtifactName(mosaicSize, tileSize int) string {
	return fmt.Sprintf("output-%d-%d.png", mosaicSize, tileSize)
}

// WriteArtifact atomically writes data to dir/name and returns the path.
func WriteArtifact(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close artifact: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return path, nil
}
