package api

import (
	"net/http"

	"github.com/duckask/duckask/internal/config"
)

func handleRetentionRun(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return
	}

	summary, err := deps.Maintenance.RunRetentionOnce(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "RETENTION_FAILED", "retention run failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func handleIntegrityRun(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Maintenance == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MAINTENANCE_NOT_CONFIGURED", "maintenance service is not configured", false, nil)
		return
	}

	summary, err := deps.Maintenance.RunIntegrityCheckOnce(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTEGRITY_CHECK_FAILED", "integrity check failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}
