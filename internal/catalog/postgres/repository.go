package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duckask/duckask/internal/catalog"
	"github.com/duckask/duckask/internal/query"
)

const defaultListLimit = 100

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) RegisterDataset(ctx context.Context, in catalog.RegisterDatasetInput) (catalog.Dataset, error) {
	if in.DatasetID == "" || in.TableName == "" {
		return catalog.Dataset{}, fmt.Errorf("dataset id and table name are required")
	}
	columns := in.Columns
	if columns == nil {
		columns = []query.Column{}
	}
	columnsJSON, err := json.Marshal(columns)
	if err != nil {
		return catalog.Dataset{}, fmt.Errorf("marshal dataset columns: %w", err)
	}

	stmt := `
INSERT INTO dataset (dataset_id, session_id, table_name, source_filename, row_count, columns_json, object_key)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
RETURNING created_at`
	dataset := catalog.Dataset{
		DatasetID:      in.DatasetID,
		SessionID:      in.SessionID,
		TableName:      in.TableName,
		SourceFilename: in.SourceFilename,
		RowCount:       in.RowCount,
		Columns:        columns,
		ObjectKey:      in.ObjectKey,
	}
	if err := r.db.QueryRowContext(ctx, stmt,
		in.DatasetID,
		in.SessionID,
		in.TableName,
		in.SourceFilename,
		in.RowCount,
		string(columnsJSON),
		nullableString(in.ObjectKey),
	).Scan(&dataset.CreatedAt); err != nil {
		return catalog.Dataset{}, fmt.Errorf("register dataset: %w", err)
	}
	return dataset, nil
}

func (r *Repository) GetDataset(ctx context.Context, datasetID string) (catalog.Dataset, error) {
	stmt := `
SELECT dataset_id, session_id, table_name, source_filename, row_count, columns_json, object_key, created_at
FROM dataset
WHERE dataset_id = $1`

	dataset, err := scanDataset(r.db.QueryRowContext(ctx, stmt, datasetID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Dataset{}, catalog.ErrNotFound
		}
		return catalog.Dataset{}, fmt.Errorf("get dataset: %w", err)
	}
	return dataset, nil
}

func (r *Repository) ListDatasets(ctx context.Context, limit int) ([]catalog.Dataset, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return r.queryDatasets(ctx, `
SELECT dataset_id, session_id, table_name, source_filename, row_count, columns_json, object_key, created_at
FROM dataset
ORDER BY created_at DESC
LIMIT $1`, limit)
}

// ListDatasetsCreatedBefore returns the oldest datasets registered before
// cutoff, oldest first.
func (r *Repository) ListDatasetsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]catalog.Dataset, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return r.queryDatasets(ctx, `
SELECT dataset_id, session_id, table_name, source_filename, row_count, columns_json, object_key, created_at
FROM dataset
WHERE created_at < $1
ORDER BY created_at ASC
LIMIT $2`, cutoff.UTC(), limit)
}

func (r *Repository) queryDatasets(ctx context.Context, stmt string, args ...any) ([]catalog.Dataset, error) {
	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	datasets := make([]catalog.Dataset, 0)
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dataset rows: %w", err)
	}
	return datasets, nil
}

func (r *Repository) DeleteDataset(ctx context.Context, datasetID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM dataset WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return false, fmt.Errorf("delete dataset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete dataset rows affected: %w", err)
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (catalog.Dataset, error) {
	var (
		dataset     catalog.Dataset
		columnsJSON []byte
		objectKey   sql.NullString
	)
	if err := row.Scan(
		&dataset.DatasetID,
		&dataset.SessionID,
		&dataset.TableName,
		&dataset.SourceFilename,
		&dataset.RowCount,
		&columnsJSON,
		&objectKey,
		&dataset.CreatedAt,
	); err != nil {
		return catalog.Dataset{}, err
	}
	dataset.ObjectKey = objectKey.String
	dataset.Columns = []query.Column{}
	if len(columnsJSON) > 0 {
		if err := json.Unmarshal(columnsJSON, &dataset.Columns); err != nil {
			return catalog.Dataset{}, fmt.Errorf("decode columns_json: %w", err)
		}
	}
	return dataset, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
