package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"csec-tutor-engine/pkg/logging/logging"
)

// Timeout cancels the request context after d and returns 504 if the handler
// has not written anything by then. Writes after the deadline are dropped.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{w: w, h: make(http.Header), ctx: ctx}
			done := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
				tw.mu.Lock()
				defer tw.mu.Unlock()
				if !tw.wroteHeader {
					if ctx.Err() != nil {
						tw.timeoutLocked(d)
						return
					}
					tw.writeHeaderLocked(http.StatusOK)
				}
			case p := <-panicked:
				panic(p)
			case <-ctx.Done():
				tw.mu.Lock()
				defer tw.mu.Unlock()
				tw.timeoutLocked(d)
			}
		})
	}
}

// timeoutWriter gives the handler its own header map and serialises its
// writes against the timeout response. Headers reach the real writer only
// when the handler writes before the deadline.
type timeoutWriter struct {
	w           http.ResponseWriter
	h           http.Header
	ctx         context.Context
	mu          sync.Mutex
	timedOut    bool
	wroteHeader bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

// expired reports whether handler output must be dropped. Checking the
// context as well as the flag closes the gap before the middleware takes
// the lock.
func (tw *timeoutWriter) expired() bool {
	return tw.timedOut || tw.ctx.Err() != nil
}

func (tw *timeoutWriter) timeoutLocked(d time.Duration) {
	tw.timedOut = true
	if tw.wroteHeader {
		return
	}
	logging.L(tw.ctx).Warn("request timeout", zap.Duration("timeout", d))
	writeError(tw.w, http.StatusGatewayTimeout, "gateway_timeout")
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.expired() || tw.wroteHeader {
		return
	}
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	dst := tw.w.Header()
	for k, vv := range tw.h {
		dst[k] = append([]string(nil), vv...)
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.expired() {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.writeHeaderLocked(http.StatusOK)
	}
	return tw.w.Write(b)
}
