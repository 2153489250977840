package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/domain"
)

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	decisions := make([]domain.DeltaDecision, 0, len(s.decisions))
	for _, d := range s.decisions {
		decisions = append(decisions, d)
	}
	s.mu.Unlock()

	state := "unknown"
	if s.ctrl != nil {
		state = s.ctrl.State().String()
	}

	s.writeJSON(w, map[string]interface{}{
		"state":     state,
		"decisions": decisions,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	instrument := r.URL.Query().Get("instrument")
	if instrument == "" {
		http.Error(w, "instrument query parameter is required", http.StatusBadRequest)
		return
	}

	type venuePosition struct {
		Exchange string                    `json:"exchange"`
		Position domain.NormalizedPosition `json:"position"`
		Error    string                    `json:"error,omitempty"`
	}

	var out []venuePosition
	for _, adapter := range []domain.Adapter{s.primary, s.secondary} {
		vp := venuePosition{Exchange: adapter.Name()}
		pos, err := adapter.GetPosition(r.Context(), instrument)
		if err != nil {
			vp.Error = err.Error()
		} else {
			vp.Position = pos
		}
		out = append(out, vp)
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	cycles, err := s.store.ListHedgeCycles(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list hedge cycles", zap.Error(err))
		http.Error(w, "Failed to list hedge cycles", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, cycles)
}

func (s *Server) handleRebalances(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	rebalances, err := s.store.ListRebalances(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list rebalances", zap.Error(err))
		http.Error(w, "Failed to list rebalances", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, rebalances)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
