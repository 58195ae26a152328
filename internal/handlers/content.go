package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/internal/content"
	"csec-tutor-engine/internal/middleware"
	"csec-tutor-engine/internal/store"
	"csec-tutor-engine/internal/tier"
	"csec-tutor-engine/pkg/logging/logging"
)

// ContentResolver is satisfied by *content.Resolver.
type ContentResolver interface {
	Resolve(ctx context.Context, req content.Request) (content.Result, error)
}

// ContentHandler serves POST /v1/content/resolve.
type ContentHandler struct {
	Resolver ContentResolver
}

func NewContentHandler(r ContentResolver) *ContentHandler {
	return &ContentHandler{Resolver: r}
}

func (h *ContentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req content.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req.OwnerID = r.Header.Get(middleware.HeaderUserID)

	res, err := h.Resolver.Resolve(ctx, req)
	if err != nil && !(errors.Is(err, store.ErrStorageFailure) && res.Content != "") {
		status, code := contentErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error("content_resolve_failed", zap.Error(err), zap.Int("status", status))
		} else {
			logger.Info("content_resolve_rejected", zap.Error(err), zap.Int("status", status))
		}
		writeError(w, status, code)
		return
	}
	if err != nil {
		// Generated but not stored; serve it and say so.
		logger.Error("content_unpersisted", zap.Error(err))
	}

	logger.Info("content_resolved",
		zap.String("kind", string(req.Kind)),
		zap.Bool("cached", res.Cached),
		zap.Bool("persisted", res.Persisted),
		zap.Bool("degraded", res.Degraded),
		zap.String("model", res.Model),
		zap.Duration("total_latency", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, res)
}

func contentErrorStatus(err error) (int, string) {
	if status, code, ok := contextStatus(err); ok {
		return status, code
	}
	switch {
	case errors.Is(err, content.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, content.ErrNotAvailable):
		return http.StatusNotFound, "not_available"
	case errors.Is(err, tier.ErrTierExhausted):
		return http.StatusServiceUnavailable, "tier_exhausted"
	case errors.Is(err, tier.ErrTerminal):
		return http.StatusBadGateway, "upstream_rejected"
	case errors.Is(err, store.ErrStorageFailure):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_server_error"
}
