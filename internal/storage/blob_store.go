package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrInvalidKey indicates a key that escapes the store root or is blank.
	ErrInvalidKey = errors.New("storage: invalid key")
	// ErrObjectNotFound indicates that no object is stored under the key.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrObjectTooLarge indicates an upload beyond the configured maximum.
	ErrObjectTooLarge = errors.New("storage: object too large")
)

const contentTypeSuffix = ".content-type"

// Object is an opened stored blob. Callers close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// BlobStore keeps uploaded files on an afero filesystem.
type BlobStore struct {
	fs       afero.Fs
	maxBytes int64
}

// NewBlobStore wraps the filesystem. maxBytes <= 0 disables the size limit.
func NewBlobStore(fs afero.Fs, maxBytes int64) *BlobStore {
	return &BlobStore{fs: fs, maxBytes: maxBytes}
}

// NewDiskBlobStore stores blobs below dir on the host filesystem.
func NewDiskBlobStore(dir string, maxBytes int64) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return NewBlobStore(afero.NewBasePathFs(afero.NewOsFs(), dir), maxBytes), nil
}

// CleanKey normalizes a slash separated key and rejects traversal.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "\\") {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." || segment == "." || segment == "" {
			return "", ErrInvalidKey
		}
	}
	cleaned := path.Clean(trimmed)
	if strings.HasSuffix(cleaned, contentTypeSuffix) {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// Put stores the reader under key, replacing any previous object.
func (s *BlobStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (int64, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if dir := path.Dir(cleaned); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}

	temporary := cleaned + ".upload"
	file, err := s.fs.Create(temporary)
	if err != nil {
		return 0, err
	}
	reader := body
	if s.maxBytes > 0 {
		reader = io.LimitReader(body, s.maxBytes+1)
	}
	written, copyErr := io.Copy(file, reader)
	closeErr := file.Close()
	if copyErr == nil && s.maxBytes > 0 && written > s.maxBytes {
		copyErr = ErrObjectTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = s.fs.Remove(temporary)
		return 0, copyErr
	}
	if err := s.fs.Rename(temporary, cleaned); err != nil {
		_ = s.fs.Remove(temporary)
		return 0, err
	}
	if err := afero.WriteFile(s.fs, cleaned+contentTypeSuffix, []byte(contentType), 0o644); err != nil {
		return 0, err
	}
	return written, nil
}

// Open returns the stored object for key.
func (s *BlobStore) Open(ctx context.Context, key string) (Object, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	info, err := s.fs.Stat(cleaned)
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, ErrObjectNotFound
	}
	if err != nil {
		return Object{}, err
	}
	if info.IsDir() {
		return Object{}, ErrObjectNotFound
	}
	file, err := s.fs.Open(cleaned)
	if err != nil {
		return Object{}, err
	}
	contentType := "application/octet-stream"
	if stored, err := afero.ReadFile(s.fs, cleaned+contentTypeSuffix); err == nil && len(stored) > 0 {
		contentType = string(stored)
	}
	return Object{Body: file, ContentType: contentType, Size: info.Size()}, nil
}
