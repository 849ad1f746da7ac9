package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned when no blob exists for an identifier.
var ErrBlobNotFound = errors.New("storage: blob not found")

// BlobStore is the contract the pipeline needs from binary storage: put a
// generated image, get it back by id, inspect its size, and drop a blob that
// lost a write race.
type BlobStore interface {
	PutImage(ctx context.Context, imageBase64 string) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Info(ctx context.Context, id string) (BlobInfo, error)
	Delete(ctx context.Context, id string) error
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	ID   string
	Size int64
}

// FileStore persists generated images on the local filesystem, one file per
// blob id. Suitable for a single-node deployment; swap for object storage
// behind the same interface otherwise.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// PutImage decodes a base64 payload, assigns a fresh blob id, and persists
// the bytes. Data-URL prefixes from the worker are tolerated.
func (s *FileStore) PutImage(ctx context.Context, imageBase64 string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload := imageBase64
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("storage: decode image: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("storage: empty image payload")
	}

	id := uuid.NewString()
	path, err := s.pathFor(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write blob: %w", err)
	}
	return id, nil
}

// Get returns the blob bytes for an id.
func (s *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("storage: read blob: %w", err)
	}
	return data, nil
}

// Info reports size metadata without reading the blob.
func (s *FileStore) Info(ctx context.Context, id string) (BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return BlobInfo{}, err
	}
	path, err := s.pathFor(id)
	if err != nil {
		return BlobInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BlobInfo{}, ErrBlobNotFound
		}
		return BlobInfo{}, fmt.Errorf("storage: stat blob: %w", err)
	}
	return BlobInfo{ID: id, Size: fi.Size()}, nil
}

// Delete removes a blob. Deleting an id that no longer exists is not an
// error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete blob: %w", err)
	}
	return nil
}

// pathFor maps an id to its on-disk location. Ids are validated as UUIDs so a
// crafted id can never escape the storage root.
func (s *FileStore) pathFor(id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("storage: invalid blob id: %w", err)
	}
	canonical := parsed.String()
	return filepath.Join(s.basePath, "blobs", canonical[:2], canonical+".png"), nil
}

var _ BlobStore = (*FileStore)(nil)
