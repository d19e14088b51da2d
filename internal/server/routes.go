package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/signalworks/nudge/internal/engine"
	"github.com/signalworks/nudge/internal/store"
)

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev engine.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	score, applied, err := s.engine.ApplyEvent(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}

	status := "ok"
	if !applied {
		status = "duplicate_ignored"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"score":  score,
	})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var cand engine.Candidate
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	dec, err := s.engine.Decide(r.Context(), cand)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleEnqueueCandidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		Type        string `json:"type"`
		Channel     string `json:"channel"`
		ContentRef  string `json:"content_ref"`
		Priority    int    `json:"priority"`
		ScheduledAt string `json:"scheduled_at"` // RFC3339, defaults to now
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Type == "" {
		http.Error(w, `{"error":"user_id and type required"}`, http.StatusBadRequest)
		return
	}

	now := time.Now()
	scheduled := now
	if req.ScheduledAt != "" {
		var err error
		scheduled, err = time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			http.Error(w, `{"error":"invalid scheduled_at"}`, http.StatusBadRequest)
			return
		}
	}

	cand := &store.Candidate{
		ID:          "cand-" + uuid.NewString(),
		UserID:      req.UserID,
		Type:        req.Type,
		Channel:     req.Channel,
		ContentRef:  req.ContentRef,
		Priority:    req.Priority,
		ScheduledAt: scheduled.UnixMilli(),
		CreatedAt:   now.UnixMilli(),
	}
	if err := s.db.EnqueueCandidate(r.Context(), cand); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     cand.ID,
		"status": cand.Status,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	profile, err := s.engine.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleSetOptIn(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req struct {
		Channel string `json:"channel"`
		OptedIn bool   `json:"opted_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	if err := s.engine.SetChannelOptIn(r.Context(), userID, req.Channel, req.OptedIn); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Type     string            `json:"type"`
		Variants map[string]string `json:"variants"`
		Metrics  []string          `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	test := &store.ABTest{
		ID:       req.ID,
		Name:     req.Name,
		Type:     req.Type,
		Variants: req.Variants,
		Metrics:  req.Metrics,
	}
	id, err := s.engine.CreateTest(r.Context(), test)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleActivateTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")

	if err := s.engine.ActivateTest(r.Context(), testID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleUpdateVariants(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")

	var req struct {
		Variants map[string]string `json:"variants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	if err := s.engine.UpdateTestVariants(r.Context(), testID, req.Variants); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAssignVariant(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	userID := chi.URLParam(r, "userID")

	variant, err := s.engine.AssignVariant(r.Context(), testID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"test_id": testID,
		"user_id": userID,
		"variant": variant,
	})
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")

	var req struct {
		UserID     string  `json:"user_id"`
		Metric     string  `json:"metric"`
		Value      float64 `json:"value"`
		AutoEnroll bool    `json:"auto_enroll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	variant, err := s.engine.RecordOutcome(r.Context(), testID, req.UserID, req.Metric, req.Value, req.AutoEnroll)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"variant": variant,
	})
}

func (s *Server) handleTestResults(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")

	results, err := s.engine.TestResults(r.Context(), testID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"test_id": testID,
		"results": results,
	})
}

func (s *Server) handleScoringSweep(w http.ResponseWriter, r *http.Request) {
	batch := 200
	if v := r.URL.Query().Get("batch"); v != "" {
		if n, err := parsePositive(v); err == nil {
			batch = n
		}
	}

	updated, err := s.engine.RunScoringSweep(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"profiles_updated": updated})
}

// handleDecisionSweep decides an explicit candidate batch when one is
// posted, otherwise drains due queued candidates.
func (s *Server) handleDecisionSweep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidates []engine.Candidate `json:"candidates"`
		Batch      int                `json:"batch"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
			return
		}
	}

	if len(req.Candidates) > 0 {
		decisions, err := s.engine.RunDecisionSweep(r.Context(), req.Candidates)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
		return
	}

	batch := req.Batch
	if batch <= 0 {
		batch = 200
	}
	resolved, err := s.engine.ProcessDueCandidates(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"candidates_resolved": resolved})
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %d", n)
	}
	return n, nil
}
