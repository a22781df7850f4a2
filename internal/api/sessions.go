package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/duckask/duckask/internal/config"
	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/observability"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/session"
)

type providerRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
}

type providerResponse struct {
	Kind    nl2sql.ProviderKind `json:"kind"`
	Model   string              `json:"model"`
	BaseURL string              `json:"base_url,omitempty"`
}

type datasetResponse struct {
	DatasetID      string         `json:"dataset_id"`
	TableName      string         `json:"table_name"`
	SourceFilename string         `json:"source_filename,omitempty"`
	Columns        []query.Column `json:"columns"`
	RowCount       int64          `json:"row_count"`
	ObjectKey      string         `json:"object_key,omitempty"`
	SchemaText     string         `json:"schema_text"`
	LoadedAt       time.Time      `json:"loaded_at"`
}

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	CreatedAt time.Time        `json:"created_at"`
	LastSeen  time.Time        `json:"last_seen"`
	Provider  providerResponse `json:"provider"`
	Dataset   *datasetResponse `json:"dataset,omitempty"`
	HasResult bool             `json:"has_result"`
}

func handleCreateSession(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid session request body", false, map[string]any{"details": err.Error()})
		return
	}
	providerCfg, gateway, ok := buildGateway(deps, cfg, w, r, req, "")
	if !ok {
		return
	}

	sess, err := deps.Sessions.Create(r.Context(), providerCfg, gateway)
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		writeError(r.Context(), w, http.StatusTooManyRequests, "SESSION_LIMIT", err.Error(), true, nil)
		return
	case errors.Is(err, session.ErrManagerClosed):
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error(), true, nil)
		return
	case err != nil:
		deps.Logger.ErrorContext(r.Context(), "create session failed", append(observability.RequestAttrs(r.Context()), "error", err.Error())...)
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_CREATE_FAILED", "failed to create session", true, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess.View()))
}

func handleGetSession(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sess, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess.View()))
}

func handleDeleteSession(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}
	id := r.PathValue("session")
	if err := deps.Sessions.Delete(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, map[string]any{"session_id": id})
			return
		}
		deps.Logger.WarnContext(r.Context(), "close session store failed", "session_id", id, "error", err.Error())
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleSetProvider(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	sess, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid provider request body", false, map[string]any{"details": err.Error()})
		return
	}

	// Dataset loads rebuild the gateway too; serialize with them so neither
	// change is lost.
	unlock := sess.LockLoad()
	defer unlock()

	systemPrompt := ""
	if current := sess.View().Gateway; current != nil {
		systemPrompt = current.SystemPrompt()
	}
	providerCfg, gateway, ok := buildGateway(deps, cfg, w, r, req, systemPrompt)
	if !ok {
		return
	}
	sess.SetProvider(providerCfg, gateway)
	deps.Logger.InfoContext(r.Context(), "session provider changed",
		"session_id", sess.ID,
		"provider", gateway.Provider(),
		"model", gateway.Model(),
	)
	writeJSON(w, http.StatusOK, toSessionResponse(sess.View()))
}

func buildGateway(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request, req providerRequest, systemPrompt string) (nl2sql.ProviderConfig, *nl2sql.Gateway, bool) {
	providerCfg, err := nl2sql.ProviderConfigFromAI(cfg.AI, nl2sql.Overrides{
		Provider: req.Provider,
		Model:    req.Model,
		APIKey:   req.APIKey,
		BaseURL:  req.BaseURL,
	})
	if err == nil {
		var gateway *nl2sql.Gateway
		gateway, err = deps.Gateways(systemPrompt, providerCfg)
		if err == nil {
			return providerCfg, gateway, true
		}
	}
	if errors.Is(err, nl2sql.ErrInvalidConfig) {
		writeError(r.Context(), w, http.StatusBadRequest, "CONFIG_INVALID", err.Error(), false, nil)
	} else {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "failed to build translation gateway", false, nil)
	}
	return nl2sql.ProviderConfig{}, nil, false
}

func lookupSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return nil, false
	}
	id := r.PathValue("session")
	sess, err := deps.Sessions.Get(id)
	if err != nil {
		writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, map[string]any{"session_id": id})
		return nil, false
	}
	return sess, true
}

func toSessionResponse(view session.View) sessionResponse {
	response := sessionResponse{
		SessionID: view.ID,
		CreatedAt: view.CreatedAt,
		LastSeen:  view.LastSeen,
		Provider: providerResponse{
			Kind:    view.Provider.Kind,
			Model:   view.Provider.Model,
			BaseURL: view.Provider.BaseURL,
		},
		HasResult: view.LastResult != nil,
	}
	if view.Gateway != nil {
		response.Provider.Model = view.Gateway.Model()
	}
	if view.Dataset != nil {
		response.Dataset = toDatasetResponse(*view.Dataset)
	}
	return response
}

func toDatasetResponse(ds session.Dataset) *datasetResponse {
	return &datasetResponse{
		DatasetID:      ds.ID,
		TableName:      ds.Table,
		SourceFilename: ds.SourceFilename,
		Columns:        ds.Columns,
		RowCount:       ds.RowCount,
		ObjectKey:      ds.ObjectKey,
		SchemaText:     ds.SchemaText,
		LoadedAt:       ds.LoadedAt,
	}
}
