package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FetchToFile downloads key into dst. The object is written to a temporary
// file in the same directory and renamed into place, so dst is either the
// previous copy or the complete new one.
func FetchToFile(ctx context.Context, store ObjectReader, key, dst string) (ObjectInfo, error) {
	if store == nil {
		return ObjectInfo{}, fmt.Errorf("object store is required")
	}
	if dst == "" {
		return ObjectInfo{}, fmt.Errorf("destination path is required")
	}

	info, err := store.Stat(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	reader, err := store.Get(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer func() { _ = reader.Close() }()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("write object %q to %q: %w", key, tmpPath, err)
	}
	if info.Size > 0 && written != info.Size {
		return ObjectInfo{}, fmt.Errorf("short download of %q: got %d bytes, want %d", key, written, info.Size)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return ObjectInfo{}, fmt.Errorf("move download into %q: %w", dst, err)
	}
	info.Size = written
	return info, nil
}
