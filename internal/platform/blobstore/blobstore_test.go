package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

const xlsxType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func stores(t *testing.T) map[string]BlobStore {
	t.Helper()
	local, err := NewLocalBlobStore(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("NewLocalBlobStore: %v", err)
	}
	return map[string]BlobStore{
		"memory": NewInMemoryBlobStore(64),
		"local":  local,
	}
}

func seedBlob(t *testing.T, store BlobStore, fileName, content string) *BlobMetadata {
	t.Helper()
	meta := BlobMetadata{
		FileName:    fileName,
		ContentType: xlsxType,
		CreatedBy:   "test-user",
		Tags:        map[string]string{"batch_id": "b-1"},
	}
	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

func TestBlobStore_UploadDownload(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := "PK roster bytes"
			result := seedBlob(t, store, "roster.xlsx", content)

			if result.ID == "" {
				t.Fatal("expected non-empty ID")
			}
			if result.Size != int64(len(content)) {
				t.Errorf("expected Size=%d, got %d", len(content), result.Size)
			}
			want := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
			if result.Hash != want {
				t.Errorf("expected hash %s, got %s", want, result.Hash)
			}
			if result.CreatedAt.IsZero() {
				t.Error("expected non-zero CreatedAt")
			}

			rc, meta, err := store.Download(context.Background(), result.ID)
			if err != nil {
				t.Fatalf("Download: %v", err)
			}
			defer rc.Close()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != content {
				t.Errorf("expected content %q, got %q", content, got)
			}
			if meta.FileName != "roster.xlsx" {
				t.Errorf("expected FileName=roster.xlsx, got %s", meta.FileName)
			}
			if meta.Tags["batch_id"] != "b-1" {
				t.Errorf("expected batch_id tag, got %v", meta.Tags)
			}
		})
	}
}

func TestBlobStore_UploadValidation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Upload(ctx, BlobMetadata{ContentType: xlsxType}, strings.NewReader("x"))
			if !errors.Is(err, ErrMissingFileName) {
				t.Errorf("expected ErrMissingFileName, got %v", err)
			}

			_, err = store.Upload(ctx, BlobMetadata{FileName: "a.pdf", ContentType: "application/pdf"}, strings.NewReader("x"))
			if !errors.Is(err, ErrInvalidContentType) {
				t.Errorf("expected ErrInvalidContentType, got %v", err)
			}

			_, err = store.Upload(ctx, BlobMetadata{FileName: "big.xlsx", ContentType: xlsxType}, strings.NewReader(strings.Repeat("x", 65)))
			if !errors.Is(err, ErrFileTooLarge) {
				t.Errorf("expected ErrFileTooLarge, got %v", err)
			}

			_, err = store.Upload(ctx, BlobMetadata{FileName: "ok.xlsx", ContentType: "application/octet-stream; charset=binary"}, strings.NewReader("x"))
			if err != nil {
				t.Errorf("expected octet-stream with params to be accepted, got %v", err)
			}
		})
	}
}

func TestBlobStore_DeleteAndNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			result := seedBlob(t, store, "roster.xlsx", "data")

			if err := store.Delete(ctx, result.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.Delete(ctx, result.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
			}
			if _, _, err := store.Download(ctx, result.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound, got %v", err)
			}
			if _, err := store.GetMetadata(ctx, "../../etc/passwd"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound for bad id, got %v", err)
			}
		})
	}
}

func TestBlobStore_ListBefore(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := NewInMemoryBlobStore(0)
	local, err := NewLocalBlobStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}

	for name, tc := range map[string]struct {
		store BlobStore
		set   func(func() time.Time)
	}{
		"memory": {mem, func(f func() time.Time) { mem.now = f }},
		"local":  {local, func(f func() time.Time) { local.now = f }},
	} {
		t.Run(name, func(t *testing.T) {
			var ids []string
			for i := 0; i < 3; i++ {
				at := base.Add(time.Duration(i) * 24 * time.Hour)
				tc.set(func() time.Time { return at })
				ids = append(ids, seedBlob(t, tc.store, fmt.Sprintf("r%d.xlsx", i), "data").ID)
			}

			old, err := tc.store.ListBefore(context.Background(), base.Add(36*time.Hour))
			if err != nil {
				t.Fatalf("ListBefore: %v", err)
			}
			if len(old) != 2 {
				t.Fatalf("expected 2 blobs, got %d", len(old))
			}
			if old[0].ID != ids[0] || old[1].ID != ids[1] {
				t.Errorf("expected oldest first, got %s, %s", old[0].ID, old[1].ID)
			}
		})
	}
}

func TestInMemoryBlobStore_ConcurrentUploads(t *testing.T) {
	store := NewInMemoryBlobStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Upload(context.Background(), BlobMetadata{FileName: fmt.Sprintf("f%d.xlsx", i)}, strings.NewReader("x"))
			if err != nil {
				t.Errorf("upload %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	all, err := store.ListBefore(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 20 {
		t.Errorf("expected 20 blobs, got %d", len(all))
	}
}
