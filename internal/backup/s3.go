package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
)

// S3Storage implements ObjectStorage on an S3 bucket or an S3-compatible
// service such as MinIO.
type S3Storage struct {
	client  *s3.Client
	bucket  string
	parts   MultipartUploadConfig
	retries int
	backoff time.Duration
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle addresses buckets as /bucket/key instead of by host.
	UsePathStyle bool

	MultipartConfig MultipartUploadConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
	}
}

// NewS3Storage creates S3 storage using the default AWS credential chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient creates S3 storage over a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	parts := cfg.MultipartConfig
	defaults := DefaultMultipartConfig()
	if parts.PartSize <= 0 {
		parts.PartSize = defaults.PartSize
	}
	if parts.Concurrency <= 0 {
		parts.Concurrency = defaults.Concurrency
	}
	return &S3Storage{
		client:  client,
		bucket:  bucket,
		parts:   parts,
		retries: 3,
		backoff: 100 * time.Millisecond,
	}
}

// UploadMultipart uploads localPath to objectPath and returns its ETag.
// Files larger than one part go up as a multipart upload with parts sent
// concurrently.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}

	var etag string
	err = s.retry(ctx, func() error {
		var uerr error
		if stat.Size() <= s.parts.PartSize {
			etag, uerr = s.putObject(ctx, file, stat.Size(), objectPath)
		} else {
			etag, uerr = s.putMultipart(ctx, file, stat.Size(), objectPath)
		}
		return uerr
	})
	if err != nil {
		return "", uploadFailed(objectPath, err)
	}
	return etag, nil
}

func (s *S3Storage) putObject(ctx context.Context, file *os.File, size int64, key string) (string, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(file, 0, size),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Storage) putMultipart(ctx context.Context, file *os.File, size int64, key string) (string, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	partSize := s.parts.PartSize
	completed := make([]types.CompletedPart, (size+partSize-1)/partSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parts.Concurrency)
	for i := range completed {
		i := i
		offset := int64(i) * partSize
		length := min(partSize, size-offset)
		number := aws.Int32(int32(i + 1))
		g.Go(func() error {
			out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    number,
				Body:          io.NewSectionReader(file, offset, length),
				ContentLength: aws.Int64(length),
			})
			if err != nil {
				return fmt.Errorf("part %d: %w", *number, err)
			}
			completed[i] = types.CompletedPart{ETag: out.ETag, PartNumber: number}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.abort(key, uploadID)
		return "", err
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.abort(key, uploadID)
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// abort releases the parts of a failed upload. It runs on its own context
// so a cancelled upload still cleans up.
func (s *S3Storage) abort(key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
}

// Download copies objectPath to localPath. A missing object fails with
// ErrObjectNotFound and leaves localPath untouched.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	err := s.retry(ctx, func() error {
		return s.fetch(ctx, objectPath, localPath)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrObjectNotFound):
		return err
	default:
		return downloadFailed(objectPath, err)
	}
}

func (s *S3Storage) fetch(ctx context.Context, key, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return kerrors.NewStorageError(kerrors.CodeObjectNotFound, key, err)
		}
		return err
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), localPath)
}

// Delete removes objectPath. S3 treats deleting a missing key as success.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return kerrors.NewBackendError("delete "+objectPath, err)
	}
	return nil
}

// ListObjects returns the sorted keys under prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, kerrors.NewBackendError("list "+prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// retry runs op up to retries+1 times, doubling the pause between attempts.
// Missing objects are final.
func (s *S3Storage) retry(ctx context.Context, op func() error) error {
	pause := s.backoff
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = op(); err == nil || errors.Is(err, ErrObjectNotFound) || attempt == s.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		pause *= 2
	}
}
