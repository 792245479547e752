package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hal-core/internal/script"
)

// maxRunLimit caps the limit query parameter on the runs endpoint.
const maxRunLimit = 500

// handleListUnits returns every known unit descriptor, sorted by name.
func (s *Server) handleListUnits(w http.ResponseWriter, _ *http.Request) {
	units := s.units.Units()
	writeJSON(w, http.StatusOK, map[string]any{
		"units": units,
		"count": len(units),
	})
}

// handleGetUnit returns one unit descriptor.
func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, err := s.units.Unit(name)
	if err != nil {
		if errors.Is(err, script.ErrUnitNotFound) {
			writeNotFound(w, "unit not found: "+name)
			return
		}
		writeInternalError(w, "looking up unit")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleListRuns returns recorded runs for one unit, newest first.
//
// Query parameters:
//   - limit: maximum number of runs (1-500, default 50)
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeUnavailable(w, "run history is disabled")
		return
	}

	name := chi.URLParam(r, "name")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunLimit {
			writeBadRequest(w, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("listing runs failed", "unit", name, "error", err)
		writeInternalError(w, "listing runs")
		return
	}
	if runs == nil {
		runs = []script.RunRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unit":  name,
		"runs":  runs,
		"count": len(runs),
	})
}
