package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"chatty/internal/pkg/logx"
)

// diskStore keeps blobs as plain files in one directory.
type diskStore struct {
	dir    string
	logger zerolog.Logger
}

func newDiskStore(dir string) (*diskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk store: empty directory name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk store: create %s: %w", dir, err)
	}

	return &diskStore{
		dir:    dir,
		logger: logx.Component("storage").With().Str("backend", "disk").Logger(),
	}, nil
}

func (s *diskStore) path(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, clean), nil
}

// Store writes to a temporary file first so a concurrent Load never sees a partial blob.
func (s *diskStore) Store(_ context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("disk store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("disk store: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disk store: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("disk store: rename %s: %w", path, err)
	}

	s.logger.Debug().Str("file", path).Int("bytes", len(data)).Msg("File stored.")
	return nil
}

func (s *diskStore) Load(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disk store: read %s: %w", path, err)
	}
	return data, nil
}
