package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	duckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/storage"
)

const DefaultTableName = "data"

var (
	ErrInvalidTableName = errors.New("invalid table name")
	ErrUploadTooLarge   = errors.New("upload too large")
	ErrEmptyUpload      = errors.New("upload is empty")
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// NormalizeTableName trims name, falls back to DefaultTableName and checks
// it is a plain identifier.
func NormalizeTableName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultTableName, nil
	}
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return name, nil
}

// Store is one in-memory DuckDB database. Each session owns its own Store.
// External file access is restricted to the store's private spool directory.
type Store struct {
	db             *sql.DB
	spoolDir       string
	uploadMaxBytes int64
}

type Options struct {
	// UploadMaxBytes caps a single CSV load; zero means unlimited.
	UploadMaxBytes int64
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	spoolDir, err := os.MkdirTemp("", "duckask-spool-*")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if err := restrictFileAccess(ctx, db, spoolDir); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(spoolDir)
		return nil, err
	}
	return &Store{db: db, spoolDir: spoolDir, uploadMaxBytes: opts.UploadMaxBytes}, nil
}

// restrictFileAccess limits the database to reading files under dir and
// locks the configuration so queries cannot lift the restriction.
// allowed_directories must be set before external access is disabled.
func restrictFileAccess(ctx context.Context, db *sql.DB, dir string) error {
	allowed := strings.TrimRight(dir, string(os.PathSeparator)) + string(os.PathSeparator)
	statements := []string{
		fmt.Sprintf(`SET GLOBAL allowed_directories = [%s]`, quoteString(allowed)),
		`SET GLOBAL enable_external_access = false`,
		`SET GLOBAL lock_configuration = true`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("restrict duckdb file access: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.spoolDir != "" {
		if rmErr := os.RemoveAll(s.spoolDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// LoadCSV replaces table with the contents of reader, letting DuckDB infer
// column types.
func (s *Store) LoadCSV(ctx context.Context, table string, reader io.Reader) (query.TableInfo, error) {
	table, err := NormalizeTableName(table)
	if err != nil {
		return query.TableInfo{}, err
	}
	path, written, err := spoolToTemp(reader, s.spoolDir, "upload-*.csv", s.uploadMaxBytes)
	if err != nil {
		return query.TableInfo{}, fmt.Errorf("spool upload: %w", err)
	}
	defer func() { _ = os.Remove(path) }()
	if written == 0 {
		return query.TableInfo{}, ErrEmptyUpload
	}

	createSQL := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv_auto(%s)`, quoteIdent(table), quoteString(path))
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return query.TableInfo{}, fmt.Errorf("load csv into %q: %w", table, err)
	}
	return s.TableInfo(ctx, table)
}

// LoadObject reloads table from a CSV previously archived in store.
func (s *Store) LoadObject(ctx context.Context, table string, store storage.ObjectStore, key string) (query.TableInfo, error) {
	if store == nil {
		return query.TableInfo{}, fmt.Errorf("object store is required")
	}
	reader, err := store.Get(ctx, key)
	if err != nil {
		return query.TableInfo{}, fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	return s.LoadCSV(ctx, table, reader)
}

func (s *Store) TableInfo(ctx context.Context, table string) (query.TableInfo, error) {
	columns, err := s.DescribeTable(ctx, table)
	if err != nil {
		return query.TableInfo{}, err
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&count); err != nil {
		return query.TableInfo{}, fmt.Errorf("count rows of %q: %w", table, err)
	}
	return query.TableInfo{Name: table, Columns: columns, RowCount: count}, nil
}

// DescribeTable lists the columns of table in declaration order.
func (s *Store) DescribeTable(ctx context.Context, table string) ([]query.Column, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]query.Column, 0)
	for rows.Next() {
		var column query.Column
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}
	return columns, nil
}

// SampleRows returns up to n rows of table.
func (s *Store) SampleRows(ctx context.Context, table string, n int) (query.Result, error) {
	if !tableNamePattern.MatchString(table) {
		return query.Result{}, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	if n <= 0 {
		return query.Result{}, nil
	}
	return s.Execute(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteIdent(table), n))
}

// Execute runs sqlText as given. Callers are expected to have validated and
// bounded it.
func (s *Store) Execute(ctx context.Context, sqlText string) (query.Result, error) {
	if strings.TrimSpace(sqlText) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case duckdb.Decimal:
			normalized[i] = typed.Float64()
		case time.Time:
			normalized[i] = typed
		case fmt.Stringer:
			normalized[i] = typed.String()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
