package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/export"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/pipeline"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/sqlguard"
)

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Question     string         `json:"question"`
	CandidateSQL string         `json:"candidate_sql"`
	SQL          string         `json:"sql"`
	LimitApplied int            `json:"limit_applied,omitempty"`
	Columns      []string       `json:"columns"`
	Rows         [][]any        `json:"rows"`
	RowCount     int            `json:"row_count"`
	Stats        map[string]any `json:"stats"`
}

func handleAsk(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sess, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	ctx := observability.ContextWithSessionID(r.Context(), sess.ID)

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	view := sess.View()
	if view.Dataset == nil {
		writeError(ctx, w, http.StatusConflict, "DATASET_REQUIRED", "upload a CSV dataset before asking questions", false, nil)
		return
	}

	outcome, err := deps.Pipeline.Run(ctx, view.Gateway, sess.Store(), req.Question)
	if err != nil {
		writePipelineError(deps, w, r.WithContext(ctx), outcome, err)
		return
	}
	sess.SetLastResult(outcome)

	rows := outcome.Result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, askResponse{
		Question:     outcome.Question,
		CandidateSQL: outcome.CandidateSQL,
		SQL:          outcome.SQL,
		LimitApplied: outcome.LimitApplied,
		Columns:      columnNames(outcome.Result),
		Rows:         rows,
		RowCount:     len(rows),
		Stats: map[string]any{
			"translate_ms": outcome.TranslateTime.Milliseconds(),
			"execute_ms":   outcome.ExecuteTime.Milliseconds(),
			"provider":     view.Gateway.Provider(),
			"model":        view.Gateway.Model(),
		},
	})
}

func handleResultParquet(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sess, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	view := sess.View()
	if view.LastResult == nil {
		writeError(r.Context(), w, http.StatusNotFound, "RESULT_NOT_FOUND", "no query result to export", false, nil)
		return
	}

	encoded, err := export.EncodeResultToParquet(view.LastResult.Result)
	if err != nil {
		deps.Logger.ErrorContext(r.Context(), "encode parquet failed", "session_id", sess.ID, "error", err.Error())
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", "failed to encode result as parquet", false, nil)
		return
	}
	w.Header().Set("Content-Type", export.ParquetContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="result.parquet"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(encoded.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded.Data)
}

func writePipelineError(deps Dependencies, w http.ResponseWriter, r *http.Request, outcome pipeline.Outcome, err error) {
	ctx := r.Context()
	switch pipeline.Classify(err) {
	case pipeline.KindInput:
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, nil)
	case pipeline.KindConfig:
		writeError(ctx, w, http.StatusBadRequest, "CONFIG_INVALID", err.Error(), false, nil)
	case pipeline.KindTranslation:
		extra := map[string]any{}
		var translationErr *nl2sql.TranslationError
		if errors.As(err, &translationErr) {
			extra["provider"] = translationErr.Provider
			extra["model"] = translationErr.Model
		}
		var statusErr *nl2sql.StatusError
		if errors.As(err, &statusErr) {
			extra["backend_status"] = statusErr.StatusCode
		}
		writeError(ctx, w, http.StatusBadGateway, "TRANSLATE_FAILED", err.Error(), true, extra)
	case pipeline.KindRejection:
		extra := map[string]any{"candidate_sql": outcome.CandidateSQL}
		var rejection *sqlguard.RejectionError
		if errors.As(err, &rejection) {
			extra["reason"] = rejection.Code
		}
		writeError(ctx, w, http.StatusUnprocessableEntity, "QUERY_REJECTED", err.Error(), false, extra)
	case pipeline.KindExecution:
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", err.Error(), false, map[string]any{"sql": outcome.SQL})
	default:
		deps.Logger.ErrorContext(ctx, "ask failed", append(observability.RequestAttrs(ctx), "error", err.Error())...)
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", true, nil)
	}
}

func columnNames(result query.Result) []string {
	names := make([]string, len(result.Columns))
	copy(names, result.Columns)
	return names
}
