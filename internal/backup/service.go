package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/logging"
	"github.com/eventkeep/eventkeep/internal/wide"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// DefaultPrefix is the object path prefix snapshots are written under.
const DefaultPrefix = "snapshots"

const (
	snapshotExt    = ".snap"
	snapshotLayout = "20060102T150405"
)

// Snapshot describes one stored snapshot object.
type Snapshot struct {
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
	ETag    string    `json:"etag,omitempty"`
}

// Service takes snapshots of a wide store and manages them in object storage.
type Service struct {
	store       wide.Store
	objects     ObjectStorage
	prefix      string
	tmpDir      string
	concurrency int
	ids         *types.TimeUUIDGenerator
	now         func() time.Time
	log         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPrefix sets the object path prefix.
func WithPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.prefix = strings.Trim(prefix, "/")
		}
	}
}

// WithTempDir sets the directory snapshots are staged in before upload.
func WithTempDir(dir string) Option {
	return func(s *Service) { s.tmpDir = dir }
}

// WithFetchConcurrency bounds parallel downloads in Fetch.
func WithFetchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the wall clock used for snapshot names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a backup service for store writing to objects.
func NewService(store wide.Store, objects ObjectStorage, opts ...Option) *Service {
	s := &Service{
		store:       store,
		objects:     objects,
		prefix:      DefaultPrefix,
		concurrency: 4,
		ids:         types.NewTimeUUIDGenerator(),
		now:         time.Now,
		log:         logging.Component("backup"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run takes a consistent snapshot of the store and uploads it.
func (s *Service) Run(ctx context.Context) (Snapshot, error) {
	snap, ok := s.store.(wide.Snapshotter)
	if !ok {
		return Snapshot{}, kerrors.NewValidationError(kerrors.CodeInvalidConfig,
			fmt.Sprintf("storage backend %T does not support snapshots", s.store))
	}

	taken := s.now().UTC()
	id, err := s.ids.GenerateAt(taken.UnixMilli())
	if err != nil {
		return Snapshot{}, kerrors.NewInternalError("generate snapshot id", err)
	}
	objectPath := s.objectPath(taken, id)

	tmp, err := os.CreateTemp(s.tmpDir, "eventkeep-*"+snapshotExt)
	if err != nil {
		return Snapshot{}, kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "create temp file", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	start := time.Now()
	if err := snap.Snapshot(ctx, tmpPath); err != nil {
		s.log.Error("snapshot failed", "error", err)
		return Snapshot{}, kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "snapshot store", err)
	}

	etag, err := s.objects.UploadMultipart(ctx, tmpPath, objectPath)
	if err != nil {
		s.log.Error("snapshot upload failed", "path", objectPath, "error", err)
		return Snapshot{}, err
	}

	s.log.Info("snapshot stored", "path", objectPath, "duration", time.Since(start))
	return Snapshot{Path: objectPath, TakenAt: taken.Truncate(time.Second), ETag: etag}, nil
}

// List returns stored snapshots, oldest first. Objects under the prefix that
// are not snapshots are skipped.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	paths, err := s.objects.ListObjects(ctx, s.prefix+"/")
	if err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(paths))
	for _, p := range paths {
		taken, ok := parseSnapshotName(path.Base(p))
		if !ok {
			continue
		}
		snaps = append(snaps, Snapshot{Path: p, TakenAt: taken})
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Path < snaps[j].Path })
	return snaps, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *Service) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, kerrors.NewValidationError(kerrors.CodeInvalidConfig, "keep must not be negative")
	}
	snaps, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keep {
		return 0, nil
	}

	removed := 0
	for _, snap := range snaps[:len(snaps)-keep] {
		if err := s.objects.Delete(ctx, snap.Path); err != nil {
			return removed, err
		}
		removed++
	}
	s.log.Info("snapshots pruned", "removed", removed, "kept", keep)
	return removed, nil
}

// FetchResult reports the outcome of Fetch.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// Fetch downloads snapshots into dir in parallel. Snapshots already present
// in dir are not downloaded again. Per-object failures are reported in the
// result; only a cancelled context fails the whole call.
func (s *Service) Fetch(ctx context.Context, objectPaths []string, dir string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create fetch directory: %w", err)
	}

	var queue []string
	for _, p := range objectPaths {
		local := filepath.Join(dir, path.Base(p))
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, p)
	}

	sem := semaphore.NewWeighted(int64(s.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, err
		}

		wg.Add(1)
		go func(objectPath string) {
			defer sem.Release(1)
			defer wg.Done()

			local := filepath.Join(dir, path.Base(objectPath))
			err := s.objects.Download(ctx, objectPath, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				os.Remove(local)
				result.Errors[objectPath] = err
				return
			}
			result.LocalPaths[objectPath] = local
			result.Downloads++
		}(p)
	}

	wg.Wait()
	return result, nil
}

func (s *Service) objectPath(taken time.Time, id types.TimeUUID) string {
	return s.prefix + "/" + taken.Format(snapshotLayout) + "-" + id.String() + snapshotExt
}

func parseSnapshotName(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, snapshotExt) || len(name) < len(snapshotLayout)+1 {
		return time.Time{}, false
	}
	stamp, rest, ok := strings.Cut(strings.TrimSuffix(name, snapshotExt), "-")
	if !ok || rest == "" {
		return time.Time{}, false
	}
	taken, err := time.ParseInLocation(snapshotLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return taken, true
}
