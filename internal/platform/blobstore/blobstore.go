// Package blobstore provides whole-file storage for converter inputs and
// outputs. It defines the BlobStore interface, a filesystem implementation
// that publishes files atomically, and an in-memory implementation suitable
// for testing.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingPath  = errors.New("blob path is required")
)

// MaxFileSize is the maximum blob size in bytes (1 GiB). Inputs are read
// whole, so this bounds memory use.
const MaxFileSize = 1 << 30

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Path        string    `json:"path"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for storage backends. Upload either
// publishes the complete content under meta.Path or leaves no trace.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, path string) (io.ReadCloser, *BlobMetadata, error)
	GetMetadata(ctx context.Context, path string) (*BlobMetadata, error)
}

// ReadAll downloads the blob at path and returns its full content.
func ReadAll(ctx context.Context, store BlobStore, path string) ([]byte, error) {
	rc, _, err := store.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, fmt.Errorf("%s: %w", path, ErrFileTooLarge)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Filesystem implementation
// ---------------------------------------------------------------------------

// FileBlobStore stores blobs as regular files. Paths are used as given,
// relative paths resolve against the working directory.
type FileBlobStore struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
	now      func() time.Time
}

// NewFileBlobStore returns a FileBlobStore creating directories 0755 and
// files 0644.
func NewFileBlobStore() *FileBlobStore {
	return &FileBlobStore{
		dirPerm:  0o755,
		filePerm: 0o644,
		now:      time.Now,
	}
}

// Upload writes content to a temporary file next to meta.Path and renames it
// into place once fully written and synced. Missing parent directories are
// created.
func (s *FileBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.Path == "" {
		return nil, ErrMissingPath
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(meta.Path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(meta.Path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", meta.Path, err)
	}
	if n > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("syncing %s: %w", meta.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", meta.Path, err)
	}
	if err := os.Chmod(tmpName, s.filePerm); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", meta.Path, err)
	}
	if err := os.Rename(tmpName, meta.Path); err != nil {
		return nil, fmt.Errorf("publishing %s: %w", meta.Path, err)
	}
	committed = true

	meta.Size = n
	meta.Hash = hexSum(h)
	meta.CreatedAt = s.now().UTC()
	return &meta, nil
}

// Download opens the file at path. The reported hash is empty; hashing
// would require a second pass over the file.
func (s *FileBlobStore) Download(_ context.Context, path string) (io.ReadCloser, *BlobMetadata, error) {
	if path == "" {
		return nil, nil, ErrMissingPath
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%s: %w", path, ErrBlobNotFound)
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}
	return f, &BlobMetadata{Path: path, Size: info.Size(), CreatedAt: info.ModTime().UTC()}, nil
}

// GetMetadata returns size and modification time of the file at path.
func (s *FileBlobStore) GetMetadata(_ context.Context, path string) (*BlobMetadata, error) {
	if path == "" {
		return nil, ErrMissingPath
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrBlobNotFound)
		}
		return nil, err
	}
	return &BlobMetadata{Path: path, Size: info.Size(), CreatedAt: info.ModTime().UTC()}, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for tests.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Upload reads the content, computes a SHA-256 hash, and stores the blob.
func (s *InMemoryBlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.Path == "" {
		return nil, ErrMissingPath
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(h[:])
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.blobs[meta.Path] = &storedBlob{
		metadata: meta,
		content:  data,
	}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Download returns an io.ReadCloser over the blob content and its metadata.
func (s *InMemoryBlobStore) Download(_ context.Context, path string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[path]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrBlobNotFound)
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

// GetMetadata returns blob metadata without content.
func (s *InMemoryBlobStore) GetMetadata(_ context.Context, path string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[path]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrBlobNotFound)
	}

	meta := blob.metadata
	return &meta, nil
}

// Put stores content directly, bypassing hashing. Intended for seeding tests.
func (s *InMemoryBlobStore) Put(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = &storedBlob{
		metadata: BlobMetadata{Path: path, Size: int64(len(content)), CreatedAt: time.Now().UTC()},
		content:  append([]byte(nil), content...),
	}
}

// Len returns the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
