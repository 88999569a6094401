package assetstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// objectExt is appended to every stored object; content is zstd-compressed.
const objectExt = ".zst"

// FSStore implements Store on the local filesystem.
// Objects live at <root>/<container>/<name>.zst.
type FSStore struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFSStore creates a filesystem-backed asset store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &FSStore{root: root, encoder: encoder, decoder: decoder}, nil
}

// Close releases the codec resources.
func (s *FSStore) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Get reads and decompresses an object.
func (s *FSStore) Get(ctx context.Context, container, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.objectPath(container, name)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", container, name, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("read object %s/%s: %w", container, name, err)
	}

	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s/%s: %w", container, name, err)
	}
	return data, nil
}

// Put compresses and writes an object atomically.
func (s *FSStore) Put(ctx context.Context, container, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.objectPath(container, name)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create container dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".object-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(s.encoder.EncodeAll(data, nil)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write object data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}

// Delete removes an object.
func (s *FSStore) Delete(_ context.Context, container, name string) error {
	path, err := s.objectPath(container, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s/%s: %w", container, name, err)
	}
	return nil
}

// List returns the sorted object names in a container. A missing container
// is empty.
func (s *FSStore) List(_ context.Context, container string) ([]string, error) {
	if !validName(container) {
		return nil, fmt.Errorf("%w: container %q", ErrInvalidName, container)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, container))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list container %s: %w", container, err)
	}

	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, objectExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(n, objectExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) objectPath(container, name string) (string, error) {
	if !validName(container) {
		return "", fmt.Errorf("%w: container %q", ErrInvalidName, container)
	}
	if !validName(name) {
		return "", fmt.Errorf("%w: file %q", ErrInvalidName, name)
	}
	return filepath.Join(s.root, container, name+objectExt), nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
