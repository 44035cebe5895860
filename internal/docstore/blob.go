package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yungbote/claimspipe/internal/logger"
)

// BlobStore is the raw byte backend under the document store. Keys are
// content hashes, so Put is naturally idempotent: concurrent writers of the
// same key race harmlessly.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

type diskBlobStore struct {
	dir string
	log *logger.Logger
}

// NewDiskBlobStore stores blobs under dir, fanned out by hash prefix.
// Writes go through a temp file, fsync, then rename: the store must not
// acknowledge a document the filesystem could still lose.
func NewDiskBlobStore(dir string, baseLog *logger.Logger) (BlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk blob store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk blob store: create %s: %w", dir, err)
	}
	return &diskBlobStore{dir: dir, log: baseLog.With("service", "DiskBlobStore")}, nil
}

func (s *diskBlobStore) path(key string) string {
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.dir, prefix, key)
}

func (s *diskBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	final := s.path(key)
	if _, err := os.Stat(final); err == nil {
		// Same key means same bytes; the earlier writer already won.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", ErrIOFailure, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), ".put-*")
	if err != nil {
		return fmt.Errorf("%w: temp file: %v", ErrIOFailure, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write: %v", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: fsync: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrIOFailure, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrIOFailure, err)
	}
	return nil
}

func (s *diskBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrIOFailure, err)
	}
	return data, nil
}

func (s *diskBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat: %v", ErrIOFailure, err)
	}
	return true, nil
}

func (s *diskBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: remove: %v", ErrIOFailure, err)
	}
	return nil
}
