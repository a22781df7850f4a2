// Package query holds the executor contract between the question pipeline
// and the storage engine.
package query

import (
	"context"
	"time"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// TableInfo describes a loaded table.
type TableInfo struct {
	Name     string
	Columns  []Column
	RowCount int64
}

// Executor runs a single read statement and returns its rows.
type Executor interface {
	Execute(ctx context.Context, sql string) (Result, error)
}
