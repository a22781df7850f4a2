// Package sqlguard decides whether model-generated SQL may run against a
// session's dataset and bounds how many rows it may return.
package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

// Rejection reason codes, used as metric labels.
const (
	ReasonEmpty             = "empty"
	ReasonComment           = "comment"
	ReasonMultipleStatement = "multiple_statements"
	ReasonNotSelect         = "not_select"
	ReasonForbiddenToken    = "forbidden_token"
	ReasonFileSource        = "file_source"
)

// SafeQuery is a single read-only SELECT statement that passed Validate.
type SafeQuery struct {
	sql string
}

func (q SafeQuery) SQL() string { return q.sql }

// RejectionError reports why a candidate statement was refused.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return "query rejected: " + e.Reason
}

func reject(code, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// forbiddenTokens are matched as whole identifier tokens, case-insensitively.
// Table functions that read from the host filesystem or environment are
// included alongside write and DDL keywords.
var forbiddenTokens = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "drop": {}, "alter": {},
	"truncate": {}, "create": {}, "attach": {}, "detach": {}, "pragma": {},
	"merge": {}, "upsert": {}, "grant": {}, "revoke": {}, "copy": {},
	"export": {}, "import": {}, "install": {}, "load": {}, "set": {},
	"reset": {}, "call": {}, "checkpoint": {}, "vacuum": {}, "execute": {},

	"read_csv": {}, "read_csv_auto": {}, "read_parquet": {}, "read_json": {},
	"read_json_auto": {}, "read_ndjson": {}, "read_text": {}, "read_blob": {},
	"parquet_scan": {}, "glob": {}, "sqlite_scan": {}, "postgres_scan": {},
	"duckdb_secrets": {}, "getenv": {}, "read_xlsx": {}, "read_json_objects": {},
	"read_ndjson_objects": {}, "read_ndjson_auto": {}, "parquet_metadata": {},
	"parquet_schema": {}, "sniff_csv": {}, "iceberg_scan": {}, "delta_scan": {},
}

// Validate accepts exactly one read-only SELECT (optionally introduced by a
// WITH clause). A single trailing semicolon is dropped. Tokens inside string
// literals are checked too, so a literal such as 'drop' is refused.
func Validate(candidate string) (SafeQuery, error) {
	sql := strings.TrimSpace(candidate)
	if sql == "" {
		return SafeQuery{}, reject(ReasonEmpty, "statement is empty")
	}
	if strings.Contains(sql, "--") || strings.Contains(sql, "/*") {
		return SafeQuery{}, reject(ReasonComment, "SQL comments are not allowed")
	}

	sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	if strings.Contains(sql, ";") {
		return SafeQuery{}, reject(ReasonMultipleStatement, "multiple statements are not allowed")
	}
	if sql == "" {
		return SafeQuery{}, reject(ReasonEmpty, "statement is empty")
	}

	tokens := tokenize(sql)
	if len(tokens) == 0 {
		return SafeQuery{}, reject(ReasonNotSelect, "only SELECT statements are allowed")
	}
	switch tokens[0] {
	case "select":
	case "with":
		if !containsToken(tokens, "select") {
			return SafeQuery{}, reject(ReasonNotSelect, "WITH clause must lead into a SELECT")
		}
	default:
		return SafeQuery{}, reject(ReasonNotSelect, "only SELECT statements are allowed, got %s", strings.ToUpper(tokens[0]))
	}

	for _, token := range tokens {
		if _, bad := forbiddenTokens[token]; bad {
			return SafeQuery{}, reject(ReasonForbiddenToken, "forbidden keyword %s", strings.ToUpper(token))
		}
	}
	if source, ok := fileTableSource(sql); ok {
		return SafeQuery{}, reject(ReasonFileSource, "reading files is not allowed: %s", source)
	}
	return SafeQuery{sql: sql}, nil
}

// clauseKeywords end the table list of a FROM clause at the same nesting level.
var clauseKeywords = map[string]struct{}{
	"where": {}, "group": {}, "having": {}, "order": {}, "limit": {}, "offset": {},
	"qualify": {}, "window": {}, "union": {}, "except": {}, "intersect": {},
	"select": {}, "returning": {},
}

// fileTableSource reports a quoted name used where a table is expected.
// DuckDB treats FROM 'path.csv' (and FROM "path.csv") as a file scan.
// Double-quoted names are only refused when they look like a path, so a
// quoted table identifier stays usable.
func fileTableSource(sql string) (string, bool) {
	inFrom := []bool{false}
	expectSource := false
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			literal, next := scanQuoted(sql, i)
			if expectSource && (c == '\'' || strings.ContainsAny(literal, "./\\:")) {
				return string(c) + literal + string(c), true
			}
			expectSource = false
			i = next
		case c == '(':
			inFrom = append(inFrom, false)
			i++
		case c == ')':
			if len(inFrom) > 1 {
				inFrom = inFrom[:len(inFrom)-1]
			}
			expectSource = false
			i++
		case c == ',':
			expectSource = inFrom[len(inFrom)-1]
			i++
		case isIdentRune(rune(c)):
			start := i
			for i < len(sql) && isIdentRune(rune(sql[i])) {
				i++
			}
			word := strings.ToLower(sql[start:i])
			depth := len(inFrom) - 1
			switch word {
			case "from", "join":
				inFrom[depth] = true
				expectSource = true
			case "lateral":
			default:
				if _, ok := clauseKeywords[word]; ok {
					inFrom[depth] = false
				}
				expectSource = false
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		default:
			expectSource = false
			i++
		}
	}
	return "", false
}

// scanQuoted returns the body of the quoted run starting at start and the
// index just past it. Doubled quotes are escapes.
func scanQuoted(sql string, start int) (string, int) {
	quote := sql[start]
	var body strings.Builder
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				body.WriteByte(quote)
				i += 2
				continue
			}
			return body.String(), i + 1
		}
		body.WriteByte(sql[i])
		i++
	}
	return body.String(), i
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// tokenize splits on anything that cannot be part of an unquoted identifier
// and lowercases the pieces.
func tokenize(sql string) []string {
	fields := strings.FieldsFunc(sql, func(r rune) bool { return !isIdentRune(r) })
	for i := range fields {
		fields[i] = strings.ToLower(fields[i])
	}
	return fields
}

func containsToken(tokens []string, want string) bool {
	for _, token := range tokens {
		if token == want {
			return true
		}
	}
	return false
}
