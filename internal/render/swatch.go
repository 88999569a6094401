package render

import (
	"fmt"
	"image/color"

	"github.com/fogleman/gg"
)

// SwatchValues are the channel levels used for calibration swatches. Every
// color band contains at least one of them.
var SwatchValues = []uint8{0, 31, 63, 95, 127, 159, 191, 223, 255}

// SwatchName is the file name for the swatch of color c.
func SwatchName(c color.NRGBA) string {
	return fmt.Sprintf("rgb-%d-%d-%d.png", c.R, c.G, c.B)
}

// Swatch renders a size x size solid PNG of fill.
func (c *Compositor) Swatch(size int, fill color.NRGBA) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid swatch size %d", size)
	}
	dc := gg.NewContext(size, size)
	dc.SetColor(fill)
	dc.Clear()
	return c.Encode(dc.Image())
}

// Swatches returns every combination of SwatchValues in r, g, b order.
func Swatches() []color.NRGBA {
	out := make([]color.NRGBA, 0, len(SwatchValues)*len(SwatchValues)*len(SwatchValues))
	for _, r := range SwatchValues {
		for _, g := range SwatchValues {
			for _, b := range SwatchValues {
				out = append(out, color.NRGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}
	return out
}
