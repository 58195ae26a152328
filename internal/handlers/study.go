package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"csec-tutor-engine/internal/middleware"
	"csec-tutor-engine/internal/store"
	"csec-tutor-engine/internal/study"
	"csec-tutor-engine/pkg/logging/logging"
)

// StudyService is satisfied by *study.Service.
type StudyService interface {
	SavePlan(ctx context.Context, ownerID string, p study.Plan) (study.Saved[study.Plan], error)
	GetPlan(ctx context.Context, ownerID, id string) (study.Saved[study.Plan], error)
	ListPlans(ctx context.Context, ownerID string) ([]study.Saved[study.Plan], error)
	RecordProgress(ctx context.Context, ownerID string, p study.Progress) (study.Saved[study.Progress], error)
	ListProgress(ctx context.Context, ownerID string) ([]study.Saved[study.Progress], error)
}

// StudyHandler serves plans and progress for the caller in X-User-ID.
type StudyHandler struct {
	Service StudyService
}

func NewStudyHandler(s StudyService) *StudyHandler {
	return &StudyHandler{Service: s}
}

type listBody[T any] struct {
	Items []study.Saved[T] `json:"items"`
}

func (h *StudyHandler) SavePlan(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var p study.Plan
	if !decodeJSON(w, r, &p) {
		return
	}
	saved, err := h.Service.SavePlan(r.Context(), owner, p)
	if err != nil {
		writeStudyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *StudyHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	saved, err := h.Service.GetPlan(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeStudyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *StudyHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	items, err := h.Service.ListPlans(r.Context(), owner)
	if err != nil {
		writeStudyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBody[study.Plan]{Items: items})
}

func (h *StudyHandler) RecordProgress(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var p study.Progress
	if !decodeJSON(w, r, &p) {
		return
	}
	saved, err := h.Service.RecordProgress(r.Context(), owner, p)
	if err != nil {
		writeStudyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *StudyHandler) ListProgress(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	items, err := h.Service.ListProgress(r.Context(), owner)
	if err != nil {
		writeStudyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBody[study.Progress]{Items: items})
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(middleware.HeaderUserID)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing_user")
		return "", false
	}
	return owner, true
}

func writeStudyError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.L(r.Context())
	if status, code, ok := contextStatus(err); ok {
		writeError(w, status, code)
		return
	}
	switch {
	case errors.Is(err, study.ErrInvalid):
		logger.Info("study_invalid", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrStorageFailure):
		logger.Error("study_storage_failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
	default:
		logger.Error("study_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_server_error")
	}
}
