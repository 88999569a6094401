// Package colormap turns counts and normalized values into heatmap colors.
package colormap

import (
	"image/color"
	"math"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Ramp blends linearly between evenly spaced color stops.
type Ramp []color.RGBA

// At returns the color at position t, clamped to [0, 1].
func (r Ramp) At(t float64) color.Color {
	last := len(r) - 1
	switch {
	case t <= 0 || last == 0:
		return r[0]
	case t >= 1:
		return r[last]
	}

	seg, frac := math.Modf(t * float64(last))
	lo, hi := r[int(seg)], r[int(seg)+1]
	return color.RGBA{
		R: blend(lo.R, hi.R, frac),
		G: blend(lo.G, hi.G, frac),
		B: blend(lo.B, hi.B, frac),
		A: 255,
	}
}

func blend(a, b uint8, f float64) uint8 {
	return uint8(float64(a) + f*(float64(b)-float64(a)))
}

// Count colors n on a log1p scale where max reaches the top of cm. Counts
// at or below zero take the bottom color.
func Count(cm Colormap, n, max int) color.Color {
	if n <= 0 || max <= 0 {
		return cm.At(0)
	}
	return cm.At(math.Log1p(float64(n)) / math.Log1p(float64(max)))
}

// Viridis (matplotlib viridis).
var Viridis = Ramp{
	{68, 1, 84, 255},
	{72, 35, 116, 255},
	{64, 67, 135, 255},
	{52, 94, 141, 255},
	{41, 120, 142, 255},
	{32, 144, 140, 255},
	{34, 167, 132, 255},
	{68, 190, 112, 255},
	{121, 209, 81, 255},
	{189, 222, 38, 255},
	{253, 231, 37, 255},
}

// Magma (matplotlib magma).
var Magma = Ramp{
	{0, 0, 4, 255},
	{28, 16, 68, 255},
	{79, 18, 123, 255},
	{129, 37, 129, 255},
	{181, 54, 122, 255},
	{229, 80, 100, 255},
	{251, 135, 97, 255},
	{254, 194, 135, 255},
	{252, 253, 191, 255},
}

// Heat runs from light gray to red.
var Heat = Ramp{
	{211, 211, 211, 255},
	{255, 0, 0, 255},
}

// Named returns the colormap registered under name, case-insensitively.
func Named(name string) (Colormap, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "viridis":
		return Viridis, true
	case "magma":
		return Magma, true
	case "heat":
		return Heat, true
	}
	return nil, false
}
