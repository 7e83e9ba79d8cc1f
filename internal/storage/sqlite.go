package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/pkg/capture"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

type sqliteStore struct {
	db   *sql.DB
	opts Options
	log  logger.Logger
}

func newSQLiteStore(opts Options, log logger.Logger) (Store, error) {
	absPath, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, opts: opts, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS records (
    id TEXT PRIMARY KEY,
    module TEXT NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    bucket TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL,
    url_group TEXT NOT NULL,
    payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_module_ts ON records(module, timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_records_module_group ON records(module, url_group);
`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// databases created before the bucket column existed
	var n int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM pragma_table_info('records') WHERE name = 'bucket'").Scan(&n); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if n == 0 {
		if _, err := s.db.Exec("ALTER TABLE records ADD COLUMN bucket TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("add bucket column: %w", err)
		}
	}
	_, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_records_module_bucket ON records(module, bucket)")
	return err
}

// bucketColumn is the stored form of a bucket, "yyyymmdd HH-M0".
func bucketColumn(b capture.Bucket) string {
	return b.Date + " " + b.Key()
}

func (s *sqliteStore) Write(ctx context.Context, rec *capture.Record) error {
	if rec == nil {
		return fmt.Errorf("capture record is nil")
	}
	payload, err := capture.Encode(rec, s.opts.Cipher)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (id, module, timestamp_ns, bucket, method, url_group, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Module,
		rec.Timestamp.UnixNano(),
		bucketColumn(rec.Bucket()),
		strings.ToUpper(rec.Request.Method),
		rec.URLGroup(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *sqliteStore) Modules() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT module FROM records ORDER BY module")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var modules []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

func (s *sqliteStore) List(module string, q Query) ([]*capture.Record, int, error) {
	var all []*capture.Record
	err := s.Iterate(module, q, func(rec *capture.Record) bool {
		all = append(all, rec)
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	return page(all, q), len(all), nil
}

func (s *sqliteStore) Iterate(module string, q Query, fn func(*capture.Record) bool) error {
	where, args := buildFilters(module, q)
	rows, err := s.db.Query("SELECT payload FROM records "+where+" ORDER BY timestamp_ns DESC", args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			s.log.Warn("Skipping unreadable capture record", "module", module, "error", err)
			continue
		}
		if !matches(rec, q) {
			continue
		}
		if !fn(rec) {
			break
		}
	}
	return rows.Err()
}

func (s *sqliteStore) Buckets(module string) ([]BucketCount, error) {
	var all []*capture.Record
	err := s.Iterate(module, Query{}, func(rec *capture.Record) bool {
		all = append(all, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return countBuckets(all), nil
}

func (s *sqliteStore) Get(module, id string) (*capture.Record, error) {
	row := s.db.QueryRow("SELECT payload FROM records WHERE module = ? AND id = ?", module, id)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) Clear(module string) (int, error) {
	res, err := s.db.Exec("DELETE FROM records WHERE module = ?", module)
	if err != nil {
		return 0, fmt.Errorf("clear module %s: %w", module, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Prune(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	deleted := 0
	if s.opts.Retention > 0 {
		cutoff := s.opts.Clock().Add(-s.opts.Retention).UnixNano()
		var res sql.Result
		res, err = tx.ExecContext(ctx, "DELETE FROM records WHERE timestamp_ns < ?", cutoff)
		if err != nil {
			return 0, fmt.Errorf("prune by retention: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if s.opts.MaxRecords > 0 {
		var n int
		n, err = s.pruneExcess(ctx, tx)
		if err != nil {
			return 0, err
		}
		deleted += n
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// pruneExcess keeps the newest MaxRecords rows of every module.
func (s *sqliteStore) pruneExcess(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT module, COUNT(1) FROM records GROUP BY module")
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	excess := map[string]int{}
	for rows.Next() {
		var module string
		var count int
		if err := rows.Scan(&module, &count); err != nil {
			rows.Close()
			return 0, err
		}
		if count > s.opts.MaxRecords {
			excess[module] = count - s.opts.MaxRecords
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for module, n := range excess {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE id IN (SELECT id FROM records WHERE module = ? ORDER BY timestamp_ns ASC LIMIT ?)",
			module, n)
		if err != nil {
			return 0, fmt.Errorf("prune max records: %w", err)
		}
		affected, _ := res.RowsAffected()
		deleted += int(affected)
	}
	return deleted, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) scan(scanner interface {
	Scan(dest ...interface{}) error
}) (*capture.Record, error) {
	var payload []byte
	if err := scanner.Scan(&payload); err != nil {
		return nil, err
	}
	return capture.Decode(payload, s.opts.Cipher)
}

func buildFilters(module string, q Query) (string, []interface{}) {
	clauses := []string{"module = ?"}
	args := []interface{}{module}

	if method := strings.TrimSpace(q.Method); method != "" {
		clauses = append(clauses, "method = ?")
		args = append(args, strings.ToUpper(method))
	}
	if q.URLGroup != "" {
		clauses = append(clauses, "url_group = ?")
		args = append(args, q.URLGroup)
	}
	// rows from before the bucket column carry '' and are checked after decoding
	if b := q.Bucket; b != nil {
		if b.Date != "" {
			clauses = append(clauses, "(bucket = ? OR bucket = '')")
			args = append(args, bucketColumn(*b))
		} else {
			clauses = append(clauses, "(bucket LIKE ? OR bucket = '')")
			args = append(args, "% "+b.Key())
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
