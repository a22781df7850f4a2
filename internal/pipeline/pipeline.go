// Package pipeline runs a question through translate, validate, bound and
// execute, stopping at the first failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/sqlguard"
)

var ErrEmptyQuestion = errors.New("question is required")

// ExecutionError reports that a statement passed the guard but the engine
// refused or failed to run it.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type Kind string

const (
	KindNone        Kind = ""
	KindInput       Kind = "input"
	KindConfig      Kind = "config"
	KindTranslation Kind = "translation"
	KindRejection   Kind = "rejection"
	KindExecution   Kind = "execution"
	KindInternal    Kind = "internal"
)

// Classify maps err to the stage that produced it.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var translationErr *nl2sql.TranslationError
	var rejectionErr *sqlguard.RejectionError
	var executionErr *ExecutionError
	switch {
	case errors.Is(err, ErrEmptyQuestion):
		return KindInput
	case errors.Is(err, nl2sql.ErrInvalidConfig):
		return KindConfig
	case errors.As(err, &translationErr):
		return KindTranslation
	case errors.As(err, &rejectionErr):
		return KindRejection
	case errors.As(err, &executionErr):
		return KindExecution
	default:
		return KindInternal
	}
}

// Outcome records every intermediate form of one request.
type Outcome struct {
	Question      string
	CandidateSQL  string
	SafeSQL       string
	SQL           string
	LimitApplied  int
	Result        query.Result
	TranslateTime time.Duration
	ExecuteTime   time.Duration
}

type Config struct {
	RowLimit     int
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

type Pipeline struct {
	rowLimit     int
	queryTimeout time.Duration
	logger       *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = sqlguard.DefaultRowLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.DiscardLogger()
	}
	return &Pipeline{rowLimit: cfg.RowLimit, queryTimeout: cfg.QueryTimeout, logger: cfg.Logger}
}

func (p *Pipeline) RowLimit() int { return p.rowLimit }

// Run answers question. The returned Outcome is populated up to the stage
// that failed.
func (p *Pipeline) Run(ctx context.Context, translator nl2sql.Translator, executor query.Executor, question string) (Outcome, error) {
	outcome := Outcome{Question: strings.TrimSpace(question)}
	if outcome.Question == "" {
		return outcome, ErrEmptyQuestion
	}
	if translator == nil || executor == nil {
		return outcome, fmt.Errorf("translator and executor are required")
	}
	attrs := observability.RequestAttrs(ctx)

	start := time.Now()
	candidate, err := translator.Translate(ctx, outcome.Question)
	outcome.TranslateTime = time.Since(start)
	if err != nil {
		return outcome, err
	}
	outcome.CandidateSQL = candidate

	safe, err := sqlguard.Validate(candidate)
	if err != nil {
		var rejection *sqlguard.RejectionError
		if errors.As(err, &rejection) {
			observability.IncrementGuardRejection(rejection.Code)
		}
		p.logger.WarnContext(ctx, "candidate query rejected", append(attrs,
			slog.String("reason", err.Error()),
			slog.String("candidate_sql", candidate),
		)...)
		return outcome, err
	}
	outcome.SafeSQL = safe.SQL()

	bounded := sqlguard.Bound(safe, p.rowLimit)
	outcome.SQL = bounded.SQL()
	outcome.LimitApplied = bounded.Limit()

	execCtx := ctx
	if p.queryTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.queryTimeout)
		defer cancel()
	}
	start = time.Now()
	result, err := executor.Execute(execCtx, outcome.SQL)
	outcome.ExecuteTime = time.Since(start)
	observability.ObserveQueryExecution(err, outcome.ExecuteTime)
	if err != nil {
		p.logger.InfoContext(ctx, "query execution failed", append(attrs,
			slog.String("sql", outcome.SQL),
			slog.String("error", err.Error()),
		)...)
		return outcome, &ExecutionError{SQL: outcome.SQL, Err: err}
	}
	outcome.Result = result

	p.logger.DebugContext(ctx, "question answered", append(attrs,
		slog.String("sql", outcome.SQL),
		slog.Int("rows", len(result.Rows)),
		slog.Duration("translate", outcome.TranslateTime),
		slog.Duration("execute", outcome.ExecuteTime),
	)...)
	return outcome, nil
}
