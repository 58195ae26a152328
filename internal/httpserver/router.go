package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"csec-tutor-engine/internal/handlers"
	"csec-tutor-engine/internal/metrics"
	"csec-tutor-engine/internal/middleware"
)

type Options struct {
	RequestTimeout time.Duration // default 60s
	MaxBodyBytes   int64         // default 64 KB
}

type Handlers struct {
	Content *handlers.ContentHandler
	Chat    *handlers.ChatHandler
	Study   *handlers.StudyHandler
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h Handlers, opts Options) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.Post("/content/resolve", h.Content.Resolve)
		r.Post("/chat", h.Chat.Chat)

		r.Post("/plans", h.Study.SavePlan)
		r.Get("/plans", h.Study.ListPlans)
		r.Get("/plans/{id}", h.Study.GetPlan)
		r.Post("/progress", h.Study.RecordProgress)
		r.Get("/progress", h.Study.ListProgress)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
