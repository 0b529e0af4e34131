// Package backup ships consistent snapshots of the wide-column store to
// object storage (local filesystem or S3).
package backup

import (
	"context"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
)

// Sentinel errors for object storage operations. They match any error with
// the same category and code through errors.Is.
var (
	ErrObjectNotFound = kerrors.New(kerrors.ErrCategoryStorage, kerrors.CodeObjectNotFound, "object not found")
	ErrUploadFailed   = kerrors.New(kerrors.ErrCategoryStorage, kerrors.CodeUploadFailed, "upload failed")
	ErrDownloadFailed = kerrors.New(kerrors.ErrCategoryStorage, kerrors.CodeDownloadFailed, "download failed")
)

// ObjectStorage abstracts the object store snapshots are written to.
type ObjectStorage interface {
	// UploadMultipart uploads using multipart for large files and returns
	// the ETag of the uploaded object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
	// Concurrency is the number of parts uploaded at once (default: 5).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    5 * 1024 * 1024, // 5MB
		Concurrency: 5,
	}
}

func uploadFailed(message string, cause error) error {
	return kerrors.NewStorageError(kerrors.CodeUploadFailed, message, cause)
}

func downloadFailed(message string, cause error) error {
	return kerrors.NewStorageError(kerrors.CodeDownloadFailed, message, cause)
}
