// Package blobstore keeps uploaded roster spreadsheets until the import
// that reads them has run and the retention window has passed. It defines
// the BlobStore interface, an in-memory implementation for tests and the
// dry-run CLI, and a local-disk implementation for deployments.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// DefaultMaxFileSize is used when a store is built with a non-positive limit.
const DefaultMaxFileSize = 20 * 1024 * 1024

// AllowedContentTypes lists the spreadsheet MIME types accepted for upload.
// Browsers often send application/octet-stream for .xlsx files.
var AllowedContentTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel.sheet.macroenabled.12":                    true,
	"application/octet-stream":                                          true,
	"":                                                                  true,
}

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string            `json:"id"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	// ListBefore returns blobs created before cutoff, oldest first.
	ListBefore(ctx context.Context, cutoff time.Time) ([]*BlobMetadata, error)
}

// prepare validates meta and reads content, filling in size and hash. The
// caller assigns ID and CreatedAt.
func prepare(meta BlobMetadata, content io.Reader, maxSize int64) (BlobMetadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	ct := strings.ToLower(strings.TrimSpace(meta.ContentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if !AllowedContentTypes[ct] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, maxSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > maxSize {
		return meta, nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}
	return meta, data, nil
}

func sortOldestFirst(out []*BlobMetadata) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	maxSize int64
	now     func() time.Time
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore(maxSize int64) *InMemoryBlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	meta.ID = uuid.New().String()
	meta.CreatedAt = s.now()

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) ListBefore(_ context.Context, cutoff time.Time) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.CreatedAt.Before(cutoff) {
			meta := b.metadata
			out = append(out, &meta)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Local disk implementation
// ---------------------------------------------------------------------------

// LocalBlobStore keeps each blob as <dir>/<id> with its metadata in
// <dir>/<id>.json. Content is written to a temp file and renamed into place.
type LocalBlobStore struct {
	dir     string
	maxSize int64
	now     func() time.Time
}

// NewLocalBlobStore creates dir if needed.
func NewLocalBlobStore(dir string, maxSize int64) (*LocalBlobStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalBlobStore{dir: dir, maxSize: maxSize, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *LocalBlobStore) contentPath(id string) string { return filepath.Join(s.dir, id) }
func (s *LocalBlobStore) metaPath(id string) string    { return filepath.Join(s.dir, id+".json") }

// validID rejects ids that could escape the store directory.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *LocalBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content, s.maxSize)
	if err != nil {
		return nil, err
	}
	meta.ID = uuid.New().String()
	meta.CreatedAt = s.now()

	if err := writeFileAtomic(s.contentPath(meta.ID), data); err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.metaPath(meta.ID), encoded); err != nil {
		os.Remove(s.contentPath(meta.ID))
		return nil, fmt.Errorf("write blob metadata: %w", err)
	}
	out := meta
	return &out, nil
}

func (s *LocalBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	if !validID(id) {
		return nil, ErrBlobNotFound
	}
	data, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta BlobMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode blob metadata %s: %w", id, err)
	}
	return &meta, nil
}

func (s *LocalBlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	meta, err := s.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.contentPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return f, meta, nil
}

func (s *LocalBlobStore) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return ErrBlobNotFound
	}
	err := os.Remove(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return err
	}
	if err := os.Remove(s.contentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalBlobStore) ListBefore(ctx context.Context, cutoff time.Time) ([]*BlobMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*BlobMetadata
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || !validID(id) {
			continue
		}
		meta, err := s.GetMetadata(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta.CreatedAt.Before(cutoff) {
			out = append(out, meta)
		}
	}
	sortOldestFirst(out)
	return out, nil
}
