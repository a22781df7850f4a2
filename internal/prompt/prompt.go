// Package prompt renders the schema description and system instruction sent
// to the translation backend.
package prompt

import (
	"fmt"
	"strings"

	"github.com/duckask/duckask/internal/query"
)

const DefaultDialect = "DuckDB"

// maxSampleValueLen truncates long cell values in the sample block.
const maxSampleValueLen = 64

// DescribeSchema renders table as one "column: TYPE" line per column,
// followed by sample rows when any are given.
func DescribeSchema(table string, columns []query.Column, sample query.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s:\n", table)
	for _, column := range columns {
		fmt.Fprintf(&b, "- %s: %s\n", column.Name, column.Type)
	}
	if len(sample.Rows) == 0 {
		return strings.TrimRight(b.String(), "\n")
	}
	b.WriteString("Sample rows:\n")
	b.WriteString(strings.Join(sample.Columns, " | "))
	b.WriteByte('\n')
	for _, row := range sample.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatSampleValue(value)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildSystemPrompt combines the schema description with dialect rules.
func BuildSystemPrompt(schemaText, dialect string) string {
	dialect = strings.TrimSpace(dialect)
	if dialect == "" {
		dialect = DefaultDialect
	}
	return fmt.Sprintf(`You convert natural language questions into a single %[1]s SQL query.
Use only the table and columns described below.

%[2]s

Rules:
- Return ONLY the SQL statement. No markdown, no explanation.
- Write exactly one read-only SELECT statement (a WITH ... SELECT is fine).
- Never modify data or schema and never read files.
- Quote identifiers that contain spaces or upper-case letters with double quotes.
- Use %[1]s functions and syntax.`, dialect, strings.TrimSpace(schemaText))
}

func formatSampleValue(value any) string {
	if value == nil {
		return "NULL"
	}
	text := strings.ReplaceAll(fmt.Sprint(value), "\n", " ")
	if len(text) > maxSampleValueLen {
		text = text[:maxSampleValueLen] + "..."
	}
	return text
}
