package sqlguard

import (
	"fmt"
	"regexp"
)

// DefaultRowLimit caps result sets when the caller does not choose a limit.
const DefaultRowLimit = 1000

// BoundedQuery is a SafeQuery whose result size is capped.
type BoundedQuery struct {
	sql   string
	limit int
	added bool
}

func (q BoundedQuery) SQL() string { return q.sql }

// Limit is the row cap applied by Bound, or 0 when the statement already
// carried its own LIMIT.
func (q BoundedQuery) Limit() int {
	if !q.added {
		return 0
	}
	return q.limit
}

// Wrapped reports whether Bound rewrote the statement.
func (q BoundedQuery) Wrapped() bool { return q.added }

var limitClause = regexp.MustCompile(`(?i)\slimit\s`)

// Bound wraps q in an outer SELECT with a LIMIT unless it already mentions
// one. Detection is lexical: a LIMIT inside a subquery also counts.
func Bound(q SafeQuery, limit int) BoundedQuery {
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	if limitClause.MatchString(q.sql) {
		return BoundedQuery{sql: q.sql, limit: limit}
	}
	return BoundedQuery{
		sql:   fmt.Sprintf("SELECT * FROM (%s) AS _sub LIMIT %d", q.sql, limit),
		limit: limit,
		added: true,
	}
}
