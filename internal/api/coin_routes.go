package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/models"
)

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	coin := r.PathValue("coin")

	year, err := optionalInt(r, "year", 1970, 9999)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	month, err := optionalInt(r, "month", 1, 12)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.reader.GetMonthlyAggregates(r.Context(), coin, year, month))
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	coin := r.PathValue("coin")

	var from, to time.Time
	for key, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		if !validateDate(v) {
			writeError(w, http.StatusBadRequest, "invalid "+key+" date, expected YYYY-MM-DD")
			return
		}
		*dst, _ = time.Parse(models.DateLayout, v)
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	snaps, err := s.reader.ListSnapshots(r.Context(), coin, from, to, false, parseLimit(r, maxQueryLimit))
	if err != nil {
		s.log.Error("list snapshots", zap.String("coin", coin), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch snapshots")
		return
	}

	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleSnapshotByDate(w http.ResponseWriter, r *http.Request) {
	coin, date := r.PathValue("coin"), r.PathValue("date")
	if !validateDate(date) {
		writeError(w, http.StatusBadRequest, "invalid date format, expected YYYY-MM-DD")
		return
	}
	day, _ := time.Parse(models.DateLayout, date)

	snap, err := s.reader.GetSnapshot(r.Context(), coin, day)
	if err != nil {
		s.log.Error("get snapshot", zap.String("coin", coin), zap.String("date", date), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch snapshot")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot for "+coin+" on "+date)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
