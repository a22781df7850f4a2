// Package export encodes query results for download.
package export

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckask/duckask/internal/query"
)

const ParquetContentType = "application/vnd.apache.parquet"

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindBool
)

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
	Columns     []string
}

// EncodeResultToParquet writes result as a single Parquet file. Column types
// follow the first non-null value of each column; anything other than
// integers, floats and booleans is stored as a string. Duplicate column names
// get a numeric suffix.
func EncodeResultToParquet(result query.Result) (ParquetEncodeResult, error) {
	if len(result.Columns) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("result has no columns")
	}

	names := uniqueNames(result.Columns)
	kinds := inferKinds(result)

	group := parquet.Group{}
	for i, name := range names {
		group[name] = parquet.Optional(leafFor(kinds[i]))
	}
	schema := parquet.NewSchema("result", group)

	// Group fields are ordered by name, so leaf indexes differ from the
	// result's column order.
	leafIndex := make(map[string]int, len(names))
	for i, field := range schema.Fields() {
		leafIndex[field.Name()] = i
	}

	rows := make([]parquet.Row, 0, len(result.Rows))
	for rowNum, values := range result.Rows {
		if len(values) != len(names) {
			return ParquetEncodeResult{}, fmt.Errorf("row %d has %d values, want %d", rowNum, len(values), len(names))
		}
		row := make(parquet.Row, len(names))
		for i, name := range names {
			idx := leafIndex[name]
			if values[i] == nil {
				row[idx] = parquet.NullValue().Level(0, 0, idx)
				continue
			}
			value, err := toValue(kinds[i], values[i])
			if err != nil {
				return ParquetEncodeResult{}, fmt.Errorf("row %d column %q: %w", rowNum, name, err)
			}
			row[idx] = value.Level(0, 1, idx)
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}
	return ParquetEncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		Columns:     names,
	}, nil
}

func uniqueNames(columns []string) []string {
	used := make(map[string]bool, len(columns))
	names := make([]string, len(columns))
	for i, column := range columns {
		name := column
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		candidate := name
		for n := 2; used[candidate]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		used[candidate] = true
		names[i] = candidate
	}
	return names
}

func inferKinds(result query.Result) []columnKind {
	kinds := make([]columnKind, len(result.Columns))
	for i := range result.Columns {
		for _, row := range result.Rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			kinds[i] = kindOf(row[i])
			break
		}
	}
	return kinds
}

func kindOf(value any) columnKind {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return kindInt
	case float32, float64:
		return kindFloat
	case bool:
		return kindBool
	default:
		return kindString
	}
}

func leafFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	default:
		return parquet.String()
	}
}

func toValue(kind columnKind, value any) (parquet.Value, error) {
	switch kind {
	case kindInt:
		n, ok := asInt64(value)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected integer, got %T", value)
		}
		return parquet.ValueOf(n), nil
	case kindFloat:
		switch v := value.(type) {
		case float64:
			return parquet.ValueOf(v), nil
		case float32:
			return parquet.ValueOf(float64(v)), nil
		}
		return parquet.Value{}, fmt.Errorf("expected float, got %T", value)
	case kindBool:
		v, ok := value.(bool)
		if !ok {
			return parquet.Value{}, fmt.Errorf("expected bool, got %T", value)
		}
		return parquet.ValueOf(v), nil
	default:
		return parquet.ValueOf(formatString(value)), nil
	}
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}

func formatString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
