package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/attack"
	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/tenant"
)

var techniqueIDPattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// MapRequest is the body of POST /api/v1/attack/map.
type MapRequest struct {
	EventID string `json:"event_id"`
	Text    string `json:"text"`
}

// MapResponse lists the techniques matched in a piece of text.
type MapResponse struct {
	OK         bool            `json:"ok"`
	EventID    string          `json:"event_id,omitempty"`
	Techniques []mitre.Mapping `json:"techniques"`
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		// A missing table is a valid state for a new deployment.
		if err := s.ready.HealthCheck(r.Context()); err != nil && !errors.Is(err, events.ErrTableNotFound) {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Layer handlers

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	req, ok := s.layerRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.service.Layer(r.Context(), req))
}

func (s *Server) handleMatrix(w http.ResponseWriter, r *http.Request) {
	req, ok := s.layerRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.service.Matrix(r.Context(), req))
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	req, ok := s.layerRequest(w, r)
	if !ok {
		return
	}

	limit, err := positiveInt(r.URL.Query().Get("limit"), s.limits.TopLimit, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	top := s.service.Top(r.Context(), req, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":     req.Tenant,
		"days":       req.Days,
		"techniques": top,
		"count":      len(top),
	})
}

// Catalog handlers

func (s *Server) handleTechniques(w http.ResponseWriter, r *http.Request) {
	catalog := s.service.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"tactics":    mitre.TacticOrder(),
		"techniques": catalog.Techniques(),
		"count":      catalog.Len(),
	})
}

func (s *Server) handleTechniqueEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(chi.URLParam(r, "id"))
	if !techniqueIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid technique id %q", chi.URLParam(r, "id")))
		return
	}

	req, ok := s.layerRequest(w, r)
	if !ok {
		return
	}
	limit, err := positiveInt(r.URL.Query().Get("limit"), s.limits.DrillDownLimit, s.limits.DrillDownLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	response := map[string]any{
		"technique_id": id,
		"tenant":       req.Tenant,
		"days":         req.Days,
	}
	if tech, ok := s.service.Catalog().Lookup(id); ok {
		response["technique"] = tech
	}

	evs, err := s.events.QueryEvents(r.Context(), events.Query{
		TenantID:    req.Tenant,
		Days:        req.Days,
		Limit:       limit,
		TechniqueID: id,
	})
	switch {
	case errors.Is(err, events.ErrTableNotFound):
		evs = nil
	case err != nil:
		s.logger.Warn("Drill-down query failed", zap.String("technique_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "event store unavailable")
		return
	}

	// contains() also matches longer ids such as sub-techniques.
	matched := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		for _, tid := range ev.TechniqueIDs() {
			if strings.EqualFold(tid, id) {
				matched = append(matched, ev)
				break
			}
		}
	}

	response["events"] = matched
	response["count"] = len(matched)
	writeJSON(w, http.StatusOK, response)
}

// Mapping handler

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	var req MapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}

	writeJSON(w, http.StatusOK, MapResponse{
		OK:         true,
		EventID:    req.EventID,
		Techniques: s.mapper.Map(req.Text),
	})
}

// Helpers

func (s *Server) layerRequest(w http.ResponseWriter, r *http.Request) (attack.Request, bool) {
	days, err := positiveInt(r.URL.Query().Get("days"), s.limits.DefaultDays, s.limits.MaxDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, "days: "+err.Error())
		return attack.Request{}, false
	}
	t, err := tenant.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return attack.Request{}, false
	}
	return attack.Request{Tenant: t, Days: days}, true
}

// positiveInt parses an optional positive integer, clamping it to ceiling.
func positiveInt(raw string, fallback, ceiling int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be at least 1, got %d", n)
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
