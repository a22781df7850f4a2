// Package catalog records uploaded datasets so they can be listed and
// reloaded into new sessions.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/duckask/duckask/internal/query"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	RegisterDataset(ctx context.Context, in RegisterDatasetInput) (Dataset, error)
	GetDataset(ctx context.Context, datasetID string) (Dataset, error)
	ListDatasets(ctx context.Context, limit int) ([]Dataset, error)
	ListDatasetsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Dataset, error)
	DeleteDataset(ctx context.Context, datasetID string) (bool, error)
}

type Dataset struct {
	DatasetID      string
	SessionID      string
	TableName      string
	SourceFilename string
	RowCount       int64
	Columns        []query.Column
	ObjectKey      string
	CreatedAt      time.Time
}

type RegisterDatasetInput struct {
	DatasetID      string
	SessionID      string
	TableName      string
	SourceFilename string
	RowCount       int64
	Columns        []query.Column
	ObjectKey      string
}
