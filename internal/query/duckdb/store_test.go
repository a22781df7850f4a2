package duckdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/duckask/duckask/internal/storage"
)

const peopleCSV = "name,age,city\nalice,34,Berlin\nbob,28,Paris\ncarol,41,Berlin\n"

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLoadCSVInfersSchema(t *testing.T) {
	store := openStore(t, Options{})
	info, err := store.LoadCSV(context.Background(), "", strings.NewReader(peopleCSV))
	if err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	if info.Name != DefaultTableName {
		t.Fatalf("Name = %q", info.Name)
	}
	if info.RowCount != 3 {
		t.Fatalf("RowCount = %d", info.RowCount)
	}
	if len(info.Columns) != 3 || info.Columns[0].Name != "name" || info.Columns[1].Name != "age" {
		t.Fatalf("Columns = %+v", info.Columns)
	}
	if info.Columns[0].Type != "VARCHAR" {
		t.Fatalf("name type = %q", info.Columns[0].Type)
	}
	if !strings.Contains(info.Columns[1].Type, "INT") {
		t.Fatalf("age type = %q", info.Columns[1].Type)
	}
}

func TestLoadCSVReplacesExistingTable(t *testing.T) {
	store := openStore(t, Options{})
	ctx := context.Background()
	if _, err := store.LoadCSV(ctx, "people", strings.NewReader(peopleCSV)); err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	info, err := store.LoadCSV(ctx, "people", strings.NewReader("id\n1\n"))
	if err != nil {
		t.Fatalf("LoadCSV() second error = %v", err)
	}
	if info.RowCount != 1 || len(info.Columns) != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestLoadCSVRejectsBadInput(t *testing.T) {
	store := openStore(t, Options{UploadMaxBytes: 16})
	ctx := context.Background()

	if _, err := store.LoadCSV(ctx, "bad-name", strings.NewReader(peopleCSV)); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("LoadCSV(bad-name) error = %v", err)
	}
	if _, err := store.LoadCSV(ctx, "t", strings.NewReader("")); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("LoadCSV(empty) error = %v", err)
	}
	if _, err := store.LoadCSV(ctx, "t", strings.NewReader(peopleCSV)); !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("LoadCSV(large) error = %v", err)
	}
}

func TestExecuteReturnsRowsInOrder(t *testing.T) {
	store := openStore(t, Options{})
	ctx := context.Background()
	if _, err := store.LoadCSV(ctx, "data", strings.NewReader(peopleCSV)); err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}

	result, err := store.Execute(ctx, "SELECT * FROM (SELECT name, age FROM data ORDER BY age DESC) AS _sub LIMIT 2")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Columns) != 2 || result.Columns[0] != "name" || result.Columns[1] != "age" {
		t.Fatalf("Columns = %v", result.Columns)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	if result.Rows[0][0] != "carol" || result.Rows[1][0] != "alice" {
		t.Fatalf("rows = %v", result.Rows)
	}
}

func TestExecuteSurfacesEngineErrors(t *testing.T) {
	store := openStore(t, Options{})
	if _, err := store.Execute(context.Background(), "SELECT missing_column FROM nowhere"); err == nil {
		t.Fatal("Execute() expected error")
	}
	if _, err := store.Execute(context.Background(), "  "); err == nil {
		t.Fatal("Execute() expected error for empty sql")
	}
}

func TestSampleRows(t *testing.T) {
	store := openStore(t, Options{})
	ctx := context.Background()
	if _, err := store.LoadCSV(ctx, "data", strings.NewReader(peopleCSV)); err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	sample, err := store.SampleRows(ctx, "data", 2)
	if err != nil {
		t.Fatalf("SampleRows() error = %v", err)
	}
	if len(sample.Rows) != 2 {
		t.Fatalf("rows = %d", len(sample.Rows))
	}
	empty, err := store.SampleRows(ctx, "data", 0)
	if err != nil || len(empty.Rows) != 0 {
		t.Fatalf("SampleRows(0) = %+v, %v", empty, err)
	}
}

func TestLoadObjectFromArchive(t *testing.T) {
	archive := storage.NewMemoryStore()
	ctx := context.Background()
	if _, err := archive.Put(ctx, "uploads/people.csv", strings.NewReader(peopleCSV), int64(len(peopleCSV)), storage.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store := openStore(t, Options{})
	info, err := store.LoadObject(ctx, "people", archive, "uploads/people.csv")
	if err != nil {
		t.Fatalf("LoadObject() error = %v", err)
	}
	if info.RowCount != 3 {
		t.Fatalf("RowCount = %d", info.RowCount)
	}
	if _, err := store.LoadObject(ctx, "people", archive, "uploads/missing.csv"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("LoadObject(missing) error = %v", err)
	}
}

func TestExecuteCannotReadHostFiles(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.csv")
	if err := os.WriteFile(secret, []byte("token\nhunter2\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	store := openStore(t, Options{})
	ctx := context.Background()
	if _, err := store.LoadCSV(ctx, "people", strings.NewReader(peopleCSV)); err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}

	for _, stmt := range []string{
		"SELECT * FROM '" + secret + "'",
		"SELECT * FROM read_csv_auto('" + secret + "')",
		"SELECT * FROM (SELECT * FROM '" + secret + "') AS _sub LIMIT 1000",
	} {
		result, err := store.Execute(ctx, stmt)
		if err == nil {
			t.Fatalf("Execute(%q) rows = %v, want error", stmt, result.Rows)
		}
	}

	if _, err := store.Execute(ctx, "SET GLOBAL enable_external_access = true"); err == nil {
		t.Fatal("re-enabling external access should fail")
	}

	info, err := store.LoadCSV(ctx, "people", strings.NewReader("id\n1\n2\n"))
	if err != nil {
		t.Fatalf("LoadCSV() after lockdown error = %v", err)
	}
	if info.RowCount != 2 {
		t.Fatalf("RowCount = %d", info.RowCount)
	}
}

func TestCloseRemovesSpoolDir(t *testing.T) {
	store, err := Open(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	dir := store.spoolDir
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("spool dir Stat() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("spool dir should be removed, Stat() error = %v", err)
	}
}

func TestNormalizeTableName(t *testing.T) {
	tests := map[string]string{"": "data", "  sales ": "sales", "_t1": "_t1"}
	for in, want := range tests {
		got, err := NormalizeTableName(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeTableName(%q) = %q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"1abc", "a b", `x";DROP`, strings.Repeat("a", 64)} {
		if _, err := NormalizeTableName(bad); !errors.Is(err, ErrInvalidTableName) {
			t.Fatalf("NormalizeTableName(%q) error = %v", bad, err)
		}
	}
}
