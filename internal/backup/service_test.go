package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/wide"
)

type failingStorage struct {
	*LocalStorage
	err error
}

func (f *failingStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	return "", f.err
}

func (f *failingStorage) Download(ctx context.Context, objectPath, localPath string) error {
	return f.err
}

func openSQLite(t *testing.T) *wide.SQLiteStore {
	t.Helper()
	store, err := wide.OpenSQLite(filepath.Join(t.TempDir(), "eventkeep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := wide.NewBatch()
	b.Put(wide.FamilyEvent, "e1", []byte("type"), []byte("LogEvent"))
	b.Increment(wide.FamilyChannel, "channels", []byte("ingest"), 1)
	require.NoError(t, store.Apply(context.Background(), b))
	return store
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestServiceRunAndList(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	objects, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	taken := time.Date(2024, 3, 20, 12, 30, 45, 0, time.UTC)
	svc := NewService(store, objects, WithClock(fixedClock(taken)), WithTempDir(t.TempDir()))

	snap, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Regexp(t, `^snapshots/20240320T123045-[0-9A-Z]{26}\.snap$`, snap.Path)
	assert.Equal(t, taken, snap.TakenAt)
	assert.NotEmpty(t, snap.ETag)

	snaps, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.Path, snaps[0].Path)
	assert.Equal(t, taken, snaps[0].TakenAt)

	// The snapshot is a usable database.
	res, err := svc.Fetch(ctx, []string{snap.Path}, t.TempDir())
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	restored, err := wide.OpenSQLite(res.LocalPaths[snap.Path])
	require.NoError(t, err)
	defer restored.Close()
	cols, err := restored.Get(ctx, wide.FamilyEvent, "e1", []byte("type"))
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, "LogEvent", string(cols[0].Value))
}

func TestServiceBadgerSnapshot(t *testing.T) {
	store, err := wide.OpenBadger("")
	require.NoError(t, err)
	defer store.Close()
	objects, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	svc := NewService(store, objects, WithTempDir(t.TempDir()), WithPrefix("/nightly/"))
	snap, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Path, "nightly/")
}

func TestServiceRequiresSnapshotter(t *testing.T) {
	objects, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	svc := NewService(wide.NewMemoryStore(), objects)
	_, err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, kerrors.CodeInvalidConfig, kerrors.GetCode(err))
}

func TestServiceUploadFailure(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	cause := kerrors.NewStorageError(kerrors.CodeUploadFailed, "boom", nil)

	svc := NewService(openSQLite(t), &failingStorage{LocalStorage: local, err: cause}, WithTempDir(t.TempDir()))
	_, err = svc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUploadFailed))
	assert.True(t, kerrors.IsRetryable(err))

	snaps, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestServiceListSkipsForeignObjects(t *testing.T) {
	ctx := context.Background()
	objects, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	for _, p := range []string{
		"snapshots/20240101T000000-01HRZ0000000000000000000000.snap",
		"snapshots/readme.txt",
		"snapshots/garbage.snap",
	} {
		require.NoError(t, objects.Upload(ctx, src, p))
	}

	snaps, err := NewService(wide.NewMemoryStore(), objects).List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), snaps[0].TakenAt)
}

func TestServicePrune(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	objects, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	var paths []string
	for i := 0; i < 4; i++ {
		ts := time.Date(2024, 3, 20, 12, 0, i, 0, time.UTC)
		snap, err := NewService(store, objects, WithClock(fixedClock(ts)), WithTempDir(t.TempDir())).Run(ctx)
		require.NoError(t, err)
		paths = append(paths, snap.Path)
	}

	svc := NewService(store, objects)
	removed, err := svc.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	snaps, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, paths[2], snaps[0].Path)
	assert.Equal(t, paths[3], snaps[1].Path)

	removed, err = svc.Prune(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = svc.Prune(ctx, -1)
	assert.True(t, kerrors.IsValidation(err))
}

func TestServiceFetch(t *testing.T) {
	ctx := context.Background()
	objects, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("snap"), 0644))
	paths := []string{"snapshots/a.snap", "snapshots/b.snap", "snapshots/c.snap"}
	for _, p := range paths {
		require.NoError(t, objects.Upload(ctx, src, p))
	}

	dir := t.TempDir()
	svc := NewService(wide.NewMemoryStore(), objects, WithFetchConcurrency(2))

	res, err := svc.Fetch(ctx, append(paths, "snapshots/missing.snap"), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Downloads)
	assert.Zero(t, res.CacheHits)
	require.Len(t, res.Errors, 1)
	assert.True(t, errors.Is(res.Errors["snapshots/missing.snap"], ErrObjectNotFound))
	assert.NoFileExists(t, filepath.Join(dir, "missing.snap"))

	res, err = svc.Fetch(ctx, paths, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, res.CacheHits)
	assert.Zero(t, res.Downloads)
	assert.Equal(t, filepath.Join(dir, "a.snap"), res.LocalPaths["snapshots/a.snap"])
}

func TestServiceFetchReportsFailures(t *testing.T) {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	cause := kerrors.NewStorageError(kerrors.CodeDownloadFailed, "boom", nil)

	svc := NewService(wide.NewMemoryStore(), &failingStorage{LocalStorage: local, err: cause})
	res, err := svc.Fetch(context.Background(), []string{"snapshots/a.snap"}, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, res.Downloads)
	assert.True(t, errors.Is(res.Errors["snapshots/a.snap"], ErrDownloadFailed))
}

func TestParseSnapshotName(t *testing.T) {
	ts, ok := parseSnapshotName("20240320T123045-01HRZ0000000000000000000000.snap")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 20, 12, 30, 45, 0, time.UTC), ts)

	for _, bad := range []string{"", "x.snap", "20240320T123045.snap", "20240320T123045-abc.db", "2024-01-01-x.snap"} {
		_, ok := parseSnapshotName(bad)
		assert.False(t, ok, bad)
	}
}
