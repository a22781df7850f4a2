package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckask/duckask/internal/catalog"
	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/prompt"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/query/duckdb"
	"github.com/duckask/duckask/internal/session"
	"github.com/duckask/duckask/internal/storage"
)

// multipartMemory is the part of an upload kept in memory before the rest
// spills to disk.
const multipartMemory = 8 << 20

type restoreRequest struct {
	DatasetID string `json:"dataset_id"`
}

type catalogDatasetResponse struct {
	DatasetID      string         `json:"dataset_id"`
	SessionID      string         `json:"session_id,omitempty"`
	TableName      string         `json:"table_name"`
	SourceFilename string         `json:"source_filename,omitempty"`
	RowCount       int64          `json:"row_count"`
	Columns        []query.Column `json:"columns"`
	Archived       bool           `json:"archived"`
	CreatedAt      time.Time      `json:"created_at"`
}

func handleUploadDataset(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	sess, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	ctx := observability.ContextWithSessionID(r.Context(), sess.ID)

	if cfg.Query.UploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.Query.UploadMaxBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(ctx, w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the configured size limit", false, map[string]any{"max_bytes": cfg.Query.UploadMaxBytes})
			return
		}
		writeError(ctx, w, http.StatusBadRequest, "INVALID_CSV", "expected a multipart form with a csv_file field", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("csv_file")
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, "INVALID_CSV", "csv_file is required", false, nil)
		return
	}
	defer func() { _ = file.Close() }()

	table, err := duckdb.NormalizeTableName(r.FormValue("table_name"))
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, "INVALID_TABLE_NAME", err.Error(), false, nil)
		return
	}

	unlock := sess.LockLoad()
	defer unlock()

	info, err := sess.Store().LoadCSV(ctx, table, file)
	observability.ObserveDatasetLoad(err)
	if err != nil {
		writeLoadError(ctx, deps, cfg, w, err)
		return
	}

	dataset := session.Dataset{
		ID:             uuid.NewString(),
		Table:          info.Name,
		SourceFilename: header.Filename,
		Columns:        info.Columns,
		RowCount:       info.RowCount,
		LoadedAt:       deps.Now().UTC(),
	}
	if deps.ObjectStore != nil {
		key, err := archiveUpload(ctx, deps.ObjectStore, dataset, file, header.Size)
		if err != nil {
			deps.Logger.WarnContext(ctx, "archive upload failed", append(observability.RequestAttrs(ctx), "dataset_id", dataset.ID, "error", err.Error())...)
		} else {
			dataset.ObjectKey = key
		}
	}

	dataset, ok = activateDataset(ctx, deps, cfg, w, sess, dataset)
	if !ok {
		return
	}
	if deps.Catalog != nil {
		_, err := deps.Catalog.RegisterDataset(ctx, catalog.RegisterDatasetInput{
			DatasetID:      dataset.ID,
			SessionID:      sess.ID,
			TableName:      dataset.Table,
			SourceFilename: dataset.SourceFilename,
			RowCount:       dataset.RowCount,
			Columns:        dataset.Columns,
			ObjectKey:      dataset.ObjectKey,
		})
		if err != nil {
			deps.Logger.WarnContext(ctx, "register dataset failed", append(observability.RequestAttrs(ctx), "dataset_id", dataset.ID, "error", err.Error())...)
		}
	}

	deps.Logger.InfoContext(ctx, "dataset loaded", append(observability.RequestAttrs(ctx),
		"dataset_id", dataset.ID,
		"table", dataset.Table,
		"rows", dataset.RowCount,
		"columns", len(dataset.Columns),
		"archived", dataset.ObjectKey != "",
	)...)
	writeJSON(w, http.StatusCreated, toDatasetResponse(dataset))
}

func handleRestoreDataset(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil || deps.ObjectStore == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "RESTORE_NOT_CONFIGURED", "dataset restore needs both the catalog and the object store", false, nil)
		return
	}
	sess, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	ctx := observability.ContextWithSessionID(r.Context(), sess.ID)

	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "INVALID_JSON", "invalid restore request body", false, map[string]any{"details": err.Error()})
		return
	}
	req.DatasetID = strings.TrimSpace(req.DatasetID)
	if req.DatasetID == "" {
		writeError(ctx, w, http.StatusBadRequest, "DATASET_ID_REQUIRED", "dataset_id is required", false, nil)
		return
	}

	record, err := deps.Catalog.GetDataset(ctx, req.DatasetID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(ctx, w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset not found", false, map[string]any{"dataset_id": req.DatasetID})
			return
		}
		writeError(ctx, w, http.StatusInternalServerError, "CATALOG_FAILED", "failed to read dataset catalog", true, nil)
		return
	}
	if record.ObjectKey == "" {
		writeError(ctx, w, http.StatusConflict, "DATASET_NOT_ARCHIVED", "dataset has no archived copy", false, map[string]any{"dataset_id": record.DatasetID})
		return
	}

	unlock := sess.LockLoad()
	defer unlock()

	info, err := sess.Store().LoadObject(ctx, record.TableName, deps.ObjectStore, record.ObjectKey)
	observability.ObserveDatasetLoad(err)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(ctx, w, http.StatusNotFound, "DATASET_NOT_FOUND", "archived dataset object is missing", false, map[string]any{"dataset_id": record.DatasetID})
			return
		}
		writeLoadError(ctx, deps, cfg, w, err)
		return
	}

	dataset, ok := activateDataset(ctx, deps, cfg, w, sess, session.Dataset{
		ID:             record.DatasetID,
		Table:          info.Name,
		SourceFilename: record.SourceFilename,
		Columns:        info.Columns,
		RowCount:       info.RowCount,
		ObjectKey:      record.ObjectKey,
		LoadedAt:       deps.Now().UTC(),
	})
	if !ok {
		return
	}
	deps.Logger.InfoContext(ctx, "dataset restored", append(observability.RequestAttrs(ctx), "dataset_id", dataset.ID, "table", dataset.Table)...)
	writeJSON(w, http.StatusOK, toDatasetResponse(dataset))
}

func handleListDatasets(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "dataset catalog is not configured", false, nil)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, nil)
			return
		}
		limit = parsed
	}

	datasets, err := deps.Catalog.ListDatasets(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_FAILED", "failed to list datasets", true, nil)
		return
	}
	items := make([]catalogDatasetResponse, 0, len(datasets))
	for _, ds := range datasets {
		items = append(items, catalogDatasetResponse{
			DatasetID:      ds.DatasetID,
			SessionID:      ds.SessionID,
			TableName:      ds.TableName,
			SourceFilename: ds.SourceFilename,
			RowCount:       ds.RowCount,
			Columns:        ds.Columns,
			Archived:       ds.ObjectKey != "",
			CreatedAt:      ds.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": items})
}

// activateDataset describes the freshly loaded table, rebuilds the session
// gateway around the new schema and publishes both to the session. The table
// is already replaced when this runs, so a failure leaves the session without
// a dataset rather than with the previous one.
func activateDataset(ctx context.Context, deps Dependencies, cfg config.Config, w http.ResponseWriter, sess *session.Session, dataset session.Dataset) (session.Dataset, bool) {
	var sample query.Result
	if cfg.Query.SchemaSampleRows > 0 {
		var err error
		sample, err = sess.Store().SampleRows(ctx, dataset.Table, cfg.Query.SchemaSampleRows)
		if err != nil {
			deps.Logger.WarnContext(ctx, "sample rows failed", append(observability.RequestAttrs(ctx), "table", dataset.Table, "error", err.Error())...)
			sample = query.Result{}
		}
	}
	dataset.SchemaText = prompt.DescribeSchema(dataset.Table, dataset.Columns, sample)

	view := sess.View()
	gateway, err := deps.Gateways(prompt.BuildSystemPrompt(dataset.SchemaText, prompt.DefaultDialect), view.Provider)
	if err != nil {
		sess.ClearDataset()
		writeError(ctx, w, http.StatusBadRequest, "CONFIG_INVALID", err.Error(), false, nil)
		return session.Dataset{}, false
	}
	sess.SetDataset(dataset, gateway)
	return dataset, true
}

func archiveUpload(ctx context.Context, store storage.ObjectStore, dataset session.Dataset, file io.ReadSeeker, size int64) (string, error) {
	key, err := storage.BuildUploadPath(dataset.ID, dataset.Table, dataset.LoadedAt)
	if err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}
	_, err = store.Put(ctx, key, file, size, storage.PutOptions{
		ContentType: "text/csv",
		Metadata: map[string]string{
			"dataset-id":      dataset.ID,
			"table-name":      dataset.Table,
			"source-filename": dataset.SourceFilename,
		},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func writeLoadError(ctx context.Context, deps Dependencies, cfg config.Config, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, duckdb.ErrUploadTooLarge):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the configured size limit", false, map[string]any{"max_bytes": cfg.Query.UploadMaxBytes})
	case errors.Is(err, duckdb.ErrEmptyUpload):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_CSV", "uploaded file is empty", false, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusServiceUnavailable, "LOAD_CANCELLED", "dataset load was cancelled", true, nil)
	default:
		deps.Logger.InfoContext(ctx, "dataset load failed", append(observability.RequestAttrs(ctx), "error", err.Error())...)
		writeError(ctx, w, http.StatusBadRequest, "INVALID_CSV", "could not parse the uploaded file as CSV", false, map[string]any{"details": err.Error()})
	}
}
