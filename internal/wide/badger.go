package wide

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/logging"
)

// badgerConflictRetries bounds retries of a batch that lost an optimistic
// transaction race against a writer outside this store.
const badgerConflictRetries = 5

// BadgerStore implements Store on a Badger key-value database. Keys are
// family, 0x00, uvarint(len(row)), row, name; counters are 8-byte big-endian.
type BadgerStore struct {
	db *badger.DB
	mu sync.Mutex // Serializes writers; counter rows are read-modify-write
}

// OpenBadger opens the database in dir. An empty dir opens an in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(&badgerLogger{log: logging.Component("wide.badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("wide: failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Apply implements Store. The batch commits as one transaction.
func (s *BadgerStore) Apply(ctx context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return applyTxn(txn, b)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return kerrors.NewBackendError("badger: apply batch", err)
	}
	return nil
}

func applyTxn(txn *badger.Txn, b *Batch) error {
	for _, m := range b.mutations {
		key := cellKey(m.Family, m.Row, m.Name)
		if m.Kind == MutationPut {
			if err := txn.Set(key, bytes.Clone(m.Value)); err != nil {
				return err
			}
			continue
		}
		var current int64
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				current, err = decodeCounter(val)
				return err
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		if err := txn.Set(key, encodeCounter(current+m.Delta)); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, family Family, row string, names ...[]byte) ([]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	var out []Column
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getRow(txn, family, row, names)
		return err
	})
	if err != nil {
		return nil, kerrors.NewBackendError("badger: get", err)
	}
	return out, nil
}

// MultiGet implements Store.
func (s *BadgerStore) MultiGet(ctx context.Context, family Family, rows []string, names ...[]byte) (map[string][]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	out := make(map[string][]Column, len(rows))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			cols, err := getRow(txn, family, row, names)
			if err != nil {
				return err
			}
			if len(cols) > 0 {
				out[row] = cols
			}
		}
		return nil
	})
	if err != nil {
		return nil, kerrors.NewBackendError("badger: multi-get", err)
	}
	return out, nil
}

func getRow(txn *badger.Txn, family Family, row string, names [][]byte) ([]Column, error) {
	if len(names) == 0 {
		var out []Column
		err := scanRow(txn, family, row, SliceRange{}, func(name, value []byte) {
			out = append(out, Column{Name: name, Value: value})
		})
		return out, err
	}
	var out []Column
	for _, n := range names {
		item, err := txn.Get(cellKey(family, row, n))
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, Column{Name: bytes.Clone(n), Value: v})
	}
	sortColumns(out)
	return out, nil
}

// Slice implements Store.
func (s *BadgerStore) Slice(ctx context.Context, family Family, row string, r SliceRange) ([]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	var out []Column
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRow(txn, family, row, r, func(name, value []byte) {
			out = append(out, Column{Name: name, Value: value})
		})
	})
	if err != nil {
		return nil, kerrors.NewBackendError("badger: slice", err)
	}
	return out, nil
}

// CounterSlice implements Store.
func (s *BadgerStore) CounterSlice(ctx context.Context, family Family, row string, r SliceRange) ([]CounterColumn, error) {
	if err := checkFamily(family, true); err != nil {
		return nil, err
	}
	var (
		out    []CounterColumn
		decErr error
	)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRow(txn, family, row, r, func(name, value []byte) {
			n, err := decodeCounter(value)
			if err != nil && decErr == nil {
				decErr = err
			}
			out = append(out, CounterColumn{Name: name, Value: n})
		})
	})
	if err == nil {
		err = decErr
	}
	if err != nil {
		return nil, kerrors.NewBackendError("badger: counter slice", err)
	}
	return out, nil
}

// Count implements Store.
func (s *BadgerStore) Count(ctx context.Context, family Family, row string, r SliceRange) (int, error) {
	if err := checkFamily(family, family.IsCounter()); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return scanKeys(txn, family, row, r, func([]byte, *badger.Item) error {
			n++
			return nil
		})
	})
	if err != nil {
		return 0, kerrors.NewBackendError("badger: count", err)
	}
	return n, nil
}

// Snapshot streams a full backup of the database to dstPath.
func (s *BadgerStore) Snapshot(ctx context.Context, dstPath string) error {
	f, err := os.Create(dstPath)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "badger: create snapshot file", err)
	}
	if _, err := s.db.Backup(f, 0); err != nil {
		f.Close()
		return kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "badger: backup", err)
	}
	if err := f.Close(); err != nil {
		return kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "badger: close snapshot file", err)
	}
	return nil
}

// RunGC reclaims value log space.
func (s *BadgerStore) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func scanRow(txn *badger.Txn, family Family, row string, r SliceRange, fn func(name, value []byte)) error {
	return scanKeys(txn, family, row, r, func(name []byte, item *badger.Item) error {
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		fn(name, v)
		return nil
	})
}

// scanKeys visits the columns of one row that fall in r, in r's order.
func scanKeys(txn *badger.Txn, family Family, row string, r SliceRange, fn func(name []byte, item *badger.Item) error) error {
	prefix := rowPrefix(family, row)

	opts := badger.DefaultIteratorOptions
	opts.Reverse = r.Reverse
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var seek []byte
	if r.Reverse {
		if r.To != nil {
			seek = append(bytes.Clone(prefix), r.To...)
		} else {
			seek = prefixEnd(prefix)
		}
	} else {
		seek = append(bytes.Clone(prefix), r.From...)
	}

	n := 0
	for it.Seek(seek); it.Valid(); it.Next() {
		key := it.Item().Key()
		if !bytes.HasPrefix(key, prefix) {
			if r.Reverse && bytes.Compare(key, prefix) > 0 {
				// reverse seek landed past the row
				continue
			}
			break
		}
		name := key[len(prefix):]
		if r.Reverse {
			if r.To != nil && bytes.Compare(name, r.To) >= 0 {
				continue
			}
			if r.From != nil && bytes.Compare(name, r.From) < 0 {
				break
			}
		} else if r.To != nil && bytes.Compare(name, r.To) >= 0 {
			break
		}
		if err := fn(bytes.Clone(name), it.Item()); err != nil {
			return err
		}
		n++
		if r.Limit > 0 && n >= r.Limit {
			break
		}
	}
	return nil
}

func rowPrefix(family Family, row string) []byte {
	buf := make([]byte, 0, len(family)+1+binary.MaxVarintLen64+len(row))
	buf = append(buf, family...)
	buf = append(buf, 0)
	buf = binary.AppendUvarint(buf, uint64(len(row)))
	return append(buf, row...)
}

func cellKey(family Family, row string, name []byte) []byte {
	return append(rowPrefix(family, row), name...)
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return append(bytes.Clone(prefix), 0xFF)
}

func encodeCounter(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeCounter(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("counter value has %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func sortColumns(cols []Column) {
	sort.Slice(cols, func(i, j int) bool { return bytes.Compare(cols[i].Name, cols[j].Name) < 0 })
}

type badgerLogger struct {
	log *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (b *badgerLogger) Errorf(msg string, args ...interface{}) {
	b.log.Error(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Warningf(msg string, args ...interface{}) {
	b.log.Warn(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Infof(msg string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(msg, args...))
}

func (b *badgerLogger) Debugf(msg string, args ...interface{}) {
	b.log.Debug(fmt.Sprintf(msg, args...))
}
