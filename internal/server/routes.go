package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/memory"
)

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return memory.Invalid("body", "invalid json: %v", err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, memory.Invalid(name, "must be an integer")
	}
	return n, nil
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req engine.StoreRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	m, created, err := s.engine.Store(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"memory": m, "created": created})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.engine.Similar(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(results), "results": nonNil(results)})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	related, err := s.engine.Related(r.Context(), chi.URLParam(r, "id"), depth, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(related), "related": nonNil(related)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.db.AuditTrail(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory_id": id, "entries": nonNil(entries)})
}

func (s *Server) handlePin(pinned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.engine.Pin(r.Context(), id, pinned); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "pinned": pinned})
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req engine.SearchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	results, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   req.Query,
		"count":   len(results),
		"results": nonNil(results),
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetrievedIDs  []string `json:"retrieved_ids"`
		AssistantText string   `json:"assistant_text"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.ApplyFeedback(r.Context(), req.RetrievedIDs, req.AssistantText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SimulateHours *float64      `json:"simulate_hours"`
		Filters       memory.Filter `json:"filters"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		res engine.DecayResult
		err error
	)
	switch {
	case req.SimulateHours != nil:
		res, err = s.engine.Decay(r.Context(), *req.SimulateHours, req.Filters)
	case !isZeroFilter(req.Filters):
		err = memory.Invalid("simulate_hours", "required when filters are set")
	default:
		res, err = s.engine.DecaySinceLast(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req engine.ConsolidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Consolidate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMigrateDurability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.MigrateDurability(r.Context(), req.DryRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// isZeroFilter reports whether f restricts nothing a client can set.
func isZeroFilter(f memory.Filter) bool {
	return len(f.Domains) == 0 && len(f.Types) == 0 && len(f.Tags) == 0 && f.MinImportance == 0
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
