package wide

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

// maxSQLiteVars keeps IN lists under SQLite's bound-parameter limit.
const maxSQLiteVars = 500

// SQLiteStore implements Store on a single SQLite database file.
// Batches are applied in one transaction.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// OpenSQLite opens or creates the database at dbPath. The special path
// ":memory:" yields a private in-memory database served by one connection.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath == ":memory:" {
		db, err := sql.Open("sqlite3", "file::memory:")
		if err != nil {
			return nil, fmt.Errorf("wide: failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		s := &SQLiteStore{db: db, readDB: db, dbPath: dbPath}
		if err := s.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("wide: failed to initialize schema: %w", err)
		}
		return s, nil
	}

	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("wide: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, dbPath: dbPath}

	// Schema must exist before a read-only connection can open the file.
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("wide: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wide: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range allSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Apply implements Store.
func (s *SQLiteStore) Apply(ctx context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.NewBackendError("sqlite: begin transaction", err)
	}
	defer tx.Rollback()

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()
	prepare := func(query string) (*sql.Stmt, error) {
		if st, ok := stmts[query]; ok {
			return st, nil
		}
		st, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		stmts[query] = st
		return st, nil
	}

	for _, m := range b.mutations {
		var (
			query string
			arg   interface{}
		)
		if m.Kind == MutationIncrement {
			query, arg = fmt.Sprintf(incrementCounterSQL, tableName(m.Family)), m.Delta
		} else {
			query, arg = fmt.Sprintf(upsertPlainSQL, tableName(m.Family)), nonNil(m.Value)
		}
		st, err := prepare(query)
		if err != nil {
			return kerrors.NewBackendError("sqlite: prepare mutation", err)
		}
		if _, err := st.ExecContext(ctx, []byte(m.Row), nonNil(m.Name), arg); err != nil {
			return kerrors.NewBackendError(fmt.Sprintf("sqlite: write %s", m.Family), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kerrors.NewBackendError("sqlite: commit transaction", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, family Family, row string, names ...[]byte) ([]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	res, err := s.MultiGet(ctx, family, []string{row}, names...)
	if err != nil {
		return nil, err
	}
	return res[row], nil
}

// MultiGet implements Store.
func (s *SQLiteStore) MultiGet(ctx context.Context, family Family, rows []string, names ...[]byte) (map[string][]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	out := make(map[string][]Column, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	if len(names) > maxSQLiteVars {
		return nil, kerrors.NewInternalError("sqlite: too many column names in multi-get", nil)
	}

	chunk := maxSQLiteVars - len(names)
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		args := make([]interface{}, 0, len(part)+len(names))
		for _, r := range part {
			args = append(args, []byte(r))
		}
		query := fmt.Sprintf("SELECT row, name, value FROM %s WHERE row IN (%s)", tableName(family), placeholders(len(part)))
		if len(names) > 0 {
			query += fmt.Sprintf(" AND name IN (%s)", placeholders(len(names)))
			for _, n := range names {
				args = append(args, nonNil(n))
			}
		}
		query += " ORDER BY row, name"

		rs, err := s.readDB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, kerrors.NewBackendError("sqlite: multi-get", err)
		}
		for rs.Next() {
			var r, name, value []byte
			if err := rs.Scan(&r, &name, &value); err != nil {
				rs.Close()
				return nil, kerrors.NewBackendError("sqlite: scan multi-get", err)
			}
			out[string(r)] = append(out[string(r)], Column{Name: name, Value: value})
		}
		err = rs.Err()
		rs.Close()
		if err != nil {
			return nil, kerrors.NewBackendError("sqlite: multi-get rows", err)
		}
	}
	return out, nil
}

// Slice implements Store.
func (s *SQLiteStore) Slice(ctx context.Context, family Family, row string, r SliceRange) ([]Column, error) {
	if err := checkFamily(family, false); err != nil {
		return nil, err
	}
	query, args := buildSliceQuery("name, value", family, row, r)
	rs, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.NewBackendError("sqlite: slice", err)
	}
	defer rs.Close()

	var out []Column
	for rs.Next() {
		var c Column
		if err := rs.Scan(&c.Name, &c.Value); err != nil {
			return nil, kerrors.NewBackendError("sqlite: scan slice", err)
		}
		out = append(out, c)
	}
	if err := rs.Err(); err != nil {
		return nil, kerrors.NewBackendError("sqlite: slice rows", err)
	}
	return out, nil
}

// CounterSlice implements Store.
func (s *SQLiteStore) CounterSlice(ctx context.Context, family Family, row string, r SliceRange) ([]CounterColumn, error) {
	if err := checkFamily(family, true); err != nil {
		return nil, err
	}
	query, args := buildSliceQuery("name, value", family, row, r)
	rs, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.NewBackendError("sqlite: counter slice", err)
	}
	defer rs.Close()

	var out []CounterColumn
	for rs.Next() {
		var c CounterColumn
		if err := rs.Scan(&c.Name, &c.Value); err != nil {
			return nil, kerrors.NewBackendError("sqlite: scan counter slice", err)
		}
		out = append(out, c)
	}
	if err := rs.Err(); err != nil {
		return nil, kerrors.NewBackendError("sqlite: counter slice rows", err)
	}
	return out, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, family Family, row string, r SliceRange) (int, error) {
	if err := checkFamily(family, family.IsCounter()); err != nil {
		return 0, err
	}
	inner, args := buildSliceQuery("1", family, row, r)
	var n int
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+inner+")", args...).Scan(&n); err != nil {
		return 0, kerrors.NewBackendError("sqlite: count", err)
	}
	return n, nil
}

// Snapshot writes a consistent copy of the database to dstPath with VACUUM INTO.
func (s *SQLiteStore) Snapshot(ctx context.Context, dstPath string) error {
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "sqlite: clear snapshot target", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dstPath); err != nil {
		return kerrors.NewStorageError(kerrors.CodeSnapshotFailed, "sqlite: vacuum into "+dstPath, err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.readDB != s.db {
		// Close read connection first, then write connection
		if err := s.readDB.Close(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

func buildSliceQuery(cols string, family Family, row string, r SliceRange) (string, []interface{}) {
	var sb strings.Builder
	args := []interface{}{[]byte(row)}
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE row = ?", cols, tableName(family))
	if r.From != nil {
		sb.WriteString(" AND name >= ?")
		args = append(args, r.From)
	}
	if r.To != nil {
		sb.WriteString(" AND name < ?")
		args = append(args, r.To)
	}
	if r.Reverse {
		sb.WriteString(" ORDER BY name DESC")
	} else {
		sb.WriteString(" ORDER BY name ASC")
	}
	if r.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, r.Limit)
	}
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// nonNil keeps empty byte slices from binding as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
