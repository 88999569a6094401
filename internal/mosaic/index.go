// Package mosaic implements tile selection and mosaic assembly: grid
// downsampling, color index lookup, tile fetching, and the request pipeline.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/mosaicart/server/internal/tilestore"
	"github.com/mosaicart/server/pkg/colorband"
)

// ErrStoreUnavailable is returned when the metadata store cannot be read.
var ErrStoreUnavailable = errors.New("metadata store unavailable")

// ErrInvalidRef is returned for references that do not name a container and file.
var ErrInvalidRef = errors.New("invalid tile reference")

// Ref is an opaque tile reference, typically an image URL.
type Ref string

// Location splits a reference into the container and file name formed by
// its last two path segments.
func (r Ref) Location() (container, name string, err error) {
	s := strings.TrimRight(string(r), "/")
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, string(r))
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// RowSource is a bulk reader of tile metadata rows.
type RowSource interface {
	All(ctx context.Context) ([]tilestore.Row, error)
}

// Chooser returns an integer in [0, n). It must be safe for concurrent use.
type Chooser func(n int) int

// Index maps bucket keys to candidate tile references. It is built for one
// request and never modified afterwards, so concurrent lookups need no locking.
type Index struct {
	buckets map[colorband.Key][]Ref
	rows    int
	skipped int
}

// LoadIndex reads every metadata row in one call and groups them by bucket.
// A read failure aborts with ErrStoreUnavailable.
func LoadIndex(ctx context.Context, src RowSource) (*Index, error) {
	rows, err := src.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return NewIndex(rows), nil
}

// NewIndex groups rows by bucket key. Rows with an unparsable key or an
// empty URL are skipped.
func NewIndex(rows []tilestore.Row) *Index {
	idx := &Index{buckets: make(map[colorband.Key][]Ref)}
	for _, row := range rows {
		key, err := colorband.ParseKey(row.BucketKey)
		if err != nil || row.ImageURL == "" {
			idx.skipped++
			continue
		}
		idx.buckets[key] = append(idx.buckets[key], Ref(row.ImageURL))
		idx.rows++
	}
	return idx
}

// Resolve picks a candidate for key uniformly at random. ok is false when the
// bucket has no candidates, which is an expected gap rather than an error.
func (idx *Index) Resolve(key colorband.Key, choose Chooser) (ref Ref, ok bool) {
	candidates := idx.buckets[key]
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}
	if choose == nil {
		choose = rand.IntN
	}
	return candidates[choose(len(candidates))], true
}

// Candidates returns the number of candidates for key.
func (idx *Index) Candidates(key colorband.Key) int {
	return len(idx.buckets[key])
}

// Buckets returns the number of keys with at least one candidate.
func (idx *Index) Buckets() int {
	return len(idx.buckets)
}

// Rows returns the number of indexed rows.
func (idx *Index) Rows() int {
	return idx.rows
}

// Skipped returns the number of rows ignored while building.
func (idx *Index) Skipped() int {
	return idx.skipped
}
