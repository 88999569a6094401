package render

import (
	"fmt"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/mosaicart/server/pkg/colorband"
	"github.com/mosaicart/server/pkg/colormap"
)

// CoverageMap renders tile counts per bucket as a 64x8 cell heatmap. Column
// (r-1)*8 + (b-1) and row g-1 hold bucket rgb. Empty buckets stay white,
// matching the fallback tile they produce in a mosaic; the rest are colored
// by log-scaled count.
func (c *Compositor) CoverageMap(counts map[colorband.Key]int, cell int, cm colormap.Colormap) ([]byte, error) {
	if cell <= 0 {
		return nil, fmt.Errorf("invalid cell size %d", cell)
	}
	if cm == nil {
		cm = colormap.Viridis
	}

	n := colorband.NumBands
	dc := gg.NewContext(n*n*cell, n*cell)
	dc.SetColor(color.White)
	dc.Clear()

	maxCount := 0
	for _, v := range counts {
		if v > maxCount {
			maxCount = v
		}
	}
	if maxCount == 0 {
		return c.Encode(dc.Image())
	}

	size := float64(cell)
	for key, v := range counts {
		if v <= 0 || !key.Valid() {
			continue
		}
		r, g, b := key.Bands()
		x := float64((int(r)-1)*n+int(b)-1) * size
		y := float64(int(g)-1) * size

		dc.SetColor(colormap.Count(cm, v, maxCount))
		dc.DrawRectangle(x, y, size, size)
		dc.Fill()
	}

	return c.Encode(dc.Image())
}
