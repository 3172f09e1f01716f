package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/queries"
)

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reader.Queries().List())
}

// handleRunQuery binds declared parameters from the URL query string.
func (s *Server) handleRunQuery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	params := map[string]any{}
	if q, err := s.reader.Queries().Get(name); err == nil {
		values := r.URL.Query()
		for _, p := range q.Params {
			if values.Has(p) {
				params[p] = values.Get(p)
			}
		}
	}

	recs, err := s.reader.RunNamedQuery(r.Context(), name, params)
	switch {
	case errors.Is(err, queries.ErrUnknownQuery):
		writeError(w, http.StatusNotFound, "unknown query "+name)
	case errors.Is(err, queries.ErrMissingParam):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Error("named query", zap.String("query", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
	default:
		writeJSON(w, http.StatusOK, recs)
	}
}
