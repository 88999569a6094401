// Package colorband discretizes RGB colors into coarse buckets for tile lookup.
package colorband

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// ErrOutOfRange is returned when a channel value falls outside [0, 255].
var ErrOutOfRange = errors.New("channel value out of range (0-255)")

// ErrInvalidKey is returned when a bucket key has a digit outside [1, 8].
var ErrInvalidKey = errors.New("invalid bucket key")

const (
	// NumBands is the number of bands per channel.
	NumBands = 8
	// BandWidth is the number of channel values covered by each band.
	BandWidth = 32
	// NumKeys is the number of distinct bucket keys.
	NumKeys = NumBands * NumBands * NumBands
)

// Band is one of eight equal-width partitions of a color channel, in [1, 8].
type Band int

// Key identifies a coarse RGB region: R band in the hundreds digit, G in the
// tens, B in the units. Valid keys range over 111..888.
type Key int

// Classify maps a channel value to its band.
func Classify(v int) (Band, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("classify %d: %w", v, ErrOutOfRange)
	}
	return Band(v/BandWidth + 1), nil
}

// BucketKey combines the bands of three channel values into a key.
func BucketKey(r, g, b int) (Key, error) {
	rb, err := Classify(r)
	if err != nil {
		return 0, err
	}
	gb, err := Classify(g)
	if err != nil {
		return 0, err
	}
	bb, err := Classify(b)
	if err != nil {
		return 0, err
	}
	return Key(int(rb)*100 + int(gb)*10 + int(bb)), nil
}

// KeyOf returns the bucket key of c after converting it to non-premultiplied
// 8-bit RGB. Alpha is ignored.
func KeyOf(c color.Color) Key {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	// 8-bit channels are always in range.
	k, _ := BucketKey(int(n.R), int(n.G), int(n.B))
	return k
}

// ParseKey parses an integer-like key as stored in the metadata table.
func ParseKey(s string) (Key, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidKey, s, err)
	}
	k := Key(n)
	if !k.Valid() {
		return 0, fmt.Errorf("%w %q", ErrInvalidKey, s)
	}
	return k, nil
}

// Valid reports whether every digit of k is a band in [1, 8].
func (k Key) Valid() bool {
	if k < 111 || k > 888 {
		return false
	}
	for _, d := range [3]int{int(k) / 100, int(k) / 10 % 10, int(k) % 10} {
		if d < 1 || d > NumBands {
			return false
		}
	}
	return true
}

// Bands splits a key into its red, green and blue bands.
func (k Key) Bands() (r, g, b Band) {
	return Band(int(k) / 100), Band(int(k) / 10 % 10), Band(int(k) % 10)
}

func (k Key) String() string {
	return strconv.Itoa(int(k))
}

// AllKeys returns every valid key in ascending order.
func AllKeys() []Key {
	keys := make([]Key, 0, NumKeys)
	for r := 1; r <= NumBands; r++ {
		for g := 1; g <= NumBands; g++ {
			for b := 1; b <= NumBands; b++ {
				keys = append(keys, Key(r*100+g*10+b))
			}
		}
	}
	return keys
}
