/*
Package storage keeps the files exchanged between chat users.

Files are opaque blobs keyed by a plain file name. Every backend reduces the name
it is given to its base name first, so a client can never reach outside the
store's root.
*/
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned by Load when no blob is stored under the name.
	ErrNotFound = errors.New("storage: file not found")

	// ErrInvalidName is returned for names that do not reduce to a usable file name.
	ErrInvalidName = errors.New("storage: invalid file name")
)

// ServiceConfig holds the configuration required to open a blob store.
type ServiceConfig struct {
	// Backend is "disk" or "s3".
	Backend string

	// DirName is the root directory of the disk backend.
	DirName string

	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
}

// BlobStore defines the public interface for the file storage service.
type BlobStore interface {
	// Store saves data under name, replacing any previous blob.
	Store(ctx context.Context, name string, data []byte) error

	// Load returns the blob stored under name, or ErrNotFound.
	Load(ctx context.Context, name string) ([]byte, error)
}

// NewBlobStore is the factory function for BlobStore.
// It initializes and returns the backend selected by cfg.Backend.
func NewBlobStore(ctx context.Context, cfg ServiceConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", "disk":
		return newDiskStore(cfg.DirName)
	case "s3":
		return newS3Client(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

// CleanName reduces name to the file name a backend stores it under: trailing NUL
// bytes are dropped and only the part after the last slash is kept.
func CleanName(name string) (string, error) {
	name = strings.TrimRight(name, "\x00")
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	base := filepath.Base(name)
	if name == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}
