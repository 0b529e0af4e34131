package backup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
)

// LocalStorage implements ObjectStorage on a local directory.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex
	etags    map[string]string
}

// NewLocalStorage creates a local filesystem object store rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
		etags:    make(map[string]string),
	}, nil
}

// Upload copies localPath into the store.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := l.put(ctx, localPath, objectPath)
	return err
}

// UploadMultipart behaves like Upload and returns the MD5 ETag.
func (l *LocalStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	return l.put(ctx, localPath, objectPath)
}

func (l *LocalStorage) put(ctx context.Context, localPath, objectPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	destPath := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", uploadFailed(objectPath, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	defer src.Close()

	// Write to a sibling temp file so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload-*")
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), src); err != nil {
		tmp.Close()
		return "", uploadFailed(objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", uploadFailed(objectPath, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return "", uploadFailed(objectPath, err)
	}

	etag := hex.EncodeToString(hash.Sum(nil))
	l.mu.Lock()
	l.etags[objectPath] = etag
	l.mu.Unlock()

	return etag, nil
}

// Download copies an object to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath := l.fullPath(objectPath)
	if _, err := os.Stat(srcPath); os.IsNotExist(err) {
		return kerrors.NewStorageError(kerrors.CodeObjectNotFound, objectPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return downloadFailed(objectPath, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return downloadFailed(objectPath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return downloadFailed(objectPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return downloadFailed(objectPath, err)
	}

	return nil
}

// Delete removes an object.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.fullPath(objectPath)); err != nil && !os.IsNotExist(err) {
		return kerrors.NewBackendError("delete "+objectPath, err)
	}

	l.mu.Lock()
	delete(l.etags, objectPath)
	l.mu.Unlock()

	return nil
}

// Exists checks if an object exists.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetETag returns the ETag recorded for an object uploaded by this instance.
func (l *LocalStorage) GetETag(objectPath string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	etag, exists := l.etags[objectPath]
	return etag, exists
}

func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

// ListObjects returns all slash-separated object paths under prefix, sorted.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.Walk(l.fullPath(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Base(path)[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objects = append(objects, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, kerrors.NewBackendError("list "+prefix, err)
	}

	sort.Strings(objects)
	return objects, nil
}
