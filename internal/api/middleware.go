package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/tenant"
)

// requestLogger logs each request with zap and records request metrics
// labelled by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		s.metrics.ObserveRequest(r.Method, path, strconv.Itoa(status), duration)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", duration),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// requireAttackReports rejects tenants with the ATT&CK views turned off.
func (s *Server) requireAttackReports(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := tenant.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		if s.tenants != nil {
			if !s.tenants.AttackReportsEnabled(t) {
				writeError(w, http.StatusForbidden, "attack reports are not enabled for tenant "+t)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tierFor(r *http.Request) string {
	if s.tenants == nil {
		return ""
	}
	return s.tenants.Tier(tenant.Identity(r))
}

func (s *Server) clientFor(r *http.Request) string {
	return r.Header.Get(tenant.HeaderCustomerID)
}
