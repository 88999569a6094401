package mosaic

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ErrDegenerateGrid is returned when downsampling yields no cells.
var ErrDegenerateGrid = errors.New("degenerate grid: source image too small for grid divisor")

// Cell is one sampled grid position.
type Cell struct {
	Row, Col int
	Color    color.NRGBA
}

// Grid is the downsampled source, cells in row-major order.
type Grid struct {
	Width, Height int
	Cells         []Cell
}

// GridSize returns the grid dimensions Downsample would produce. Both sides
// derive from the source width, so the grid is always square.
func GridSize(bounds image.Rectangle, divisor int) (w, h int, err error) {
	if divisor <= 0 {
		return 0, 0, fmt.Errorf("grid divisor must be positive, got %d", divisor)
	}
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return 0, 0, ErrDegenerateGrid
	}
	w = bounds.Dx() / divisor
	if w == 0 {
		return 0, 0, fmt.Errorf("%w (width %d, divisor %d)", ErrDegenerateGrid, bounds.Dx(), divisor)
	}
	return w, w, nil
}

// Downsample reduces src to a grid with nearest-neighbour sampling, so each
// cell carries one representative source pixel rather than an average.
func Downsample(src image.Image, divisor int) (*Grid, error) {
	w, h, err := GridSize(src.Bounds(), divisor)
	if err != nil {
		return nil, err
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	cells := make([]Cell, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cells = append(cells, Cell{Row: y, Col: x, Color: dst.NRGBAAt(x, y)})
		}
	}
	return &Grid{Width: w, Height: h, Cells: cells}, nil
}
