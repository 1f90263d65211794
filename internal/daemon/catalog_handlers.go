package daemon

import (
	"net/http"
	"time"

	"github.com/g960059/autoclick/internal/api"
	"github.com/g960059/autoclick/internal/model"
)

func (s *Server) targetsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		targets, err := s.store.ListTargets(r.Context())
		if err != nil {
			s.writeStoreError(w, "targets", err)
			return
		}
		s.writeTargets(w, http.StatusOK, targets...)
	case http.MethodPost:
		var req api.TargetRequest
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		created, err := s.store.CreateTarget(r.Context(), applyTargetRequest(req, model.Target{}))
		if err != nil {
			s.writeStoreError(w, "target", err)
			return
		}
		s.writeTargets(w, http.StatusCreated, created)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) targetByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "/v1/targets/", "target")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		t, err := s.store.GetTarget(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, "target", err)
			return
		}
		s.writeTargets(w, http.StatusOK, t)
	case http.MethodPut:
		var req api.TargetRequest
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		current, err := s.store.GetTarget(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, "target", err)
			return
		}
		updated, err := s.store.UpdateTarget(r.Context(), applyTargetRequest(req, current))
		if err != nil {
			s.writeStoreError(w, "target", err)
			return
		}
		s.writeTargets(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.store.DeleteTarget(r.Context(), id); err != nil {
			s.writeStoreError(w, "target", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) patternsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		patterns, err := s.store.ListPatterns(r.Context())
		if err != nil {
			s.writeStoreError(w, "patterns", err)
			return
		}
		s.writePatterns(w, http.StatusOK, patterns...)
	case http.MethodPost:
		var req api.PatternRequest
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		created, err := s.store.CreatePattern(r.Context(), applyPatternRequest(req, model.Pattern{}))
		if err != nil {
			s.writeStoreError(w, "pattern", err)
			return
		}
		s.writePatterns(w, http.StatusCreated, created)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) patternByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "/v1/patterns/", "pattern")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetPattern(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, "pattern", err)
			return
		}
		s.writePatterns(w, http.StatusOK, p)
	case http.MethodPut:
		var req api.PatternRequest
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		current, err := s.store.GetPattern(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, "pattern", err)
			return
		}
		updated, err := s.store.UpdatePattern(r.Context(), applyPatternRequest(req, current))
		if err != nil {
			s.writeStoreError(w, "pattern", err)
			return
		}
		s.writePatterns(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.store.DeletePattern(r.Context(), id); err != nil {
			s.writeStoreError(w, "pattern", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) writeTargets(w http.ResponseWriter, status int, targets ...model.Target) {
	items := make([]api.TargetResponse, 0, len(targets))
	for _, t := range targets {
		items = append(items, toTargetResponse(t))
	}
	s.writeJSON(w, status, api.TargetsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Targets:       items,
	})
}

func (s *Server) writePatterns(w http.ResponseWriter, status int, patterns ...model.Pattern) {
	items := make([]api.PatternResponse, 0, len(patterns))
	for _, p := range patterns {
		items = append(items, toPatternResponse(p))
	}
	s.writeJSON(w, status, api.PatternsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Patterns:      items,
	})
}

func applyTargetRequest(req api.TargetRequest, t model.Target) model.Target {
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.TriggerText != nil {
		t.TriggerText = *req.TriggerText
	}
	if req.Color != nil {
		t.Color = *req.Color
	}
	if req.ConfidenceThreshold != nil {
		t.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.Shortcut != nil {
		t.Shortcut = *req.Shortcut
	}
	if req.Status != nil {
		t.Status = model.TargetStatus(*req.Status)
	}
	return t
}

func applyPatternRequest(req api.PatternRequest, p model.Pattern) model.Pattern {
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.TargetIDs != nil {
		p.TargetIDs = append([]string(nil), (*req.TargetIDs)...)
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	return p
}

func toTargetResponse(t model.Target) api.TargetResponse {
	return api.TargetResponse{
		ID:                  t.ID,
		Name:                t.Name,
		TriggerText:         t.TriggerText,
		Color:               t.Color,
		ConfidenceThreshold: t.ConfidenceThreshold,
		Shortcut:            t.Shortcut,
		Status:              string(t.Status),
		CreatedAt:           t.CreatedAt.UTC(),
		UpdatedAt:           t.UpdatedAt.UTC(),
	}
}

func toPatternResponse(p model.Pattern) api.PatternResponse {
	ids := p.TargetIDs
	if ids == nil {
		ids = []string{}
	}
	return api.PatternResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		TargetIDs:   ids,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt.UTC(),
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
}
