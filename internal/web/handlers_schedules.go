package web

import (
	"errors"
	"net/http"
	"time"

	"relay-sync/internal/schedule"
	"relay-sync/internal/store"
)

// scheduleView adds the armed firing time to a stored schedule.
type scheduleView struct {
	*store.Schedule
	NextRun *time.Time `json:"next_run,omitempty"`
}

func (s *Server) view(sc *store.Schedule) scheduleView {
	v := scheduleView{Schedule: sc}
	if s.scheduler != nil {
		if t, ok := s.scheduler.NextRun(sc.ID); ok {
			v.NextRun = &t
		}
	}
	return v
}

func (s *Server) handleAPIListSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSchedules()
	if err != nil {
		s.fail(w, "list schedules", err)
		return
	}
	out := make([]scheduleView, 0, len(list))
	for _, sc := range list {
		out = append(out, s.view(sc))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		s.fail(w, "get schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(sc))
}

func (s *Server) handleAPICreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sc store.Schedule
	if err := decodeBody(w, r, &sc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sc.ID = ""
	sc.CreatedAt = time.Time{}
	sc.LastRun = time.Time{}
	s.saveSchedule(w, &sc, http.StatusCreated)
}

// handleAPIPutSchedule creates or replaces the schedule at {id}. The
// creation time and last run survive a replace.
func (s *Server) handleAPIPutSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var sc store.Schedule
	if err := decodeBody(w, r, &sc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sc.ID = id
	existing, err := s.store.GetSchedule(id)
	switch {
	case err == nil:
		sc.CreatedAt = existing.CreatedAt
		sc.LastRun = existing.LastRun
	case errors.Is(err, store.ErrNotFound):
		sc.CreatedAt = time.Time{}
		sc.LastRun = time.Time{}
	default:
		s.fail(w, "get schedule", err)
		return
	}
	s.saveSchedule(w, &sc, http.StatusOK)
}

func (s *Server) saveSchedule(w http.ResponseWriter, sc *store.Schedule, status int) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	if err := s.scheduler.Save(sc); err != nil {
		if errors.Is(err, schedule.ErrInvalidSchedule) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, "save schedule", err)
		return
	}
	s.writeJSON(w, status, s.view(sc))
}

func (s *Server) handleAPIDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	if err := s.scheduler.Remove(r.PathValue("id")); err != nil {
		s.fail(w, "delete schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	id := r.PathValue("id")
	sc, err := s.store.GetSchedule(id)
	if err != nil {
		s.fail(w, "get schedule", err)
		return
	}
	saved, err := s.scheduler.SetEnabled(id, !sc.Enabled)
	if err != nil {
		s.fail(w, "toggle schedule", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(saved))
}
