package server

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/ssd-technologies/covalue/internal/cojson"
)

// handleListCoValues lists the ids held in memory and, when a store is
// attached, those persisted.
func (s *Server) handleListCoValues(w http.ResponseWriter, r *http.Request) {
	seen := map[cojson.CoID]bool{}
	for _, id := range s.node.IDs() {
		seen[id] = true
	}
	if s.store != nil {
		stored, err := s.store.Backend().IDs()
		if err != nil {
			logger.Errorf("list stored covalues: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list covalues")
			return
		}
		for _, id := range stored {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func pathID(w http.ResponseWriter, r *http.Request) (cojson.CoID, bool) {
	id := r.PathValue("id")
	if !cojson.IsCoID(id) {
		writeError(w, http.StatusBadRequest, "invalid covalue id")
		return "", false
	}
	return cojson.CoID(id), true
}

// handleGetCoValue loads a value, asking peers if needed, and returns its view.
func (s *Server) handleGetCoValue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LoadTimeout)
	defer cancel()
	v, err := s.node.Load(ctx, id)
	switch {
	case errors.Is(err, cojson.ErrUnavailable):
		writeError(w, http.StatusNotFound, "covalue unavailable")
		return
	case err != nil:
		logger.Errorf("load %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load covalue")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleKnownState reports which transactions the node holds for a value
// without loading it.
func (s *Server) handleKnownState(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.node.KnownState(id))
}
