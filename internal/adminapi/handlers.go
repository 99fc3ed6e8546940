package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maumercado/taskrunner/internal/logger"
)

type handlers struct {
	control RunnerControl
}

// getStatus handles GET /status.
func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.control.Status())
}

// pauseProject handles POST /projects/{projectID}/pause.
func (h *handlers) pauseProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := h.control.Pause(r.Context(), projectID); err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("failed to pause project")
		respondError(w, http.StatusInternalServerError, "failed to pause project")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "project paused", "project_id": projectID})
}

// resumeProject handles POST /projects/{projectID}/resume.
func (h *handlers) resumeProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := h.control.Resume(r.Context(), projectID); err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("failed to resume project")
		respondError(w, http.StatusInternalServerError, "failed to resume project")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "project resumed", "project_id": projectID})
}

// pauseAll handles POST /pause.
func (h *handlers) pauseAll(w http.ResponseWriter, r *http.Request) {
	if err := h.control.PauseAll(r.Context()); err != nil {
		logger.Error().Err(err).Msg("failed to pause all projects")
		respondError(w, http.StatusInternalServerError, "failed to pause all projects")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "all projects paused"})
}

// resumeAll handles POST /resume.
func (h *handlers) resumeAll(w http.ResponseWriter, r *http.Request) {
	if err := h.control.ResumeAll(r.Context()); err != nil {
		logger.Error().Err(err).Msg("failed to resume all projects")
		respondError(w, http.StatusInternalServerError, "failed to resume all projects")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "all projects resumed"})
}

// cancelTask handles POST /tasks/{projectID}/{taskID}/cancel.
func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	taskID := chi.URLParam(r, "taskID")
	if err := h.control.CancelTask(r.Context(), projectID, taskID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"message": "task cancelled", "project_id": projectID, "task_id": taskID})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
