package web

import (
	"errors"
	"net/http"
	"strconv"

	"relay-sync/internal/dispatch"
	"relay-sync/internal/gateway"
	"relay-sync/internal/store"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, dispatch.ErrDeviceNotFound),
		errors.Is(err, dispatch.ErrSwitchNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrReadOnly), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeError(w, status, "internal server error")
		return
	}
	s.writeError(w, status, err.Error())
}

// pathMAC normalizes the {mac} path value, writing a 400 on failure.
func (s *Server) pathMAC(w http.ResponseWriter, r *http.Request) (string, bool) {
	mac, err := store.NormalizeMAC(r.PathValue("mac"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device address")
		return "", false
	}
	return mac, true
}

// queryLimit parses ?limit=, falling back to def.
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.fail(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	dev, err := s.store.GetDevice(mac)
	if err != nil {
		s.fail(w, "get device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeviceActivity(w http.ResponseWriter, r *http.Request) {
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	entries, err := s.store.ListActivity(mac, queryLimit(r, 100))
	if err != nil {
		s.fail(w, "list activity", err)
		return
	}
	if entries == nil {
		entries = []*store.Activity{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type toggleRequest struct {
	State *bool `json:"state"`
}

// handleAPIToggle answers 200 when the command was sent, 202 when it was
// queued for an offline device and 409 when a guard suppressed it.
func (s *Server) handleAPIToggle(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher not available")
		return
	}
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := s.dispatcher.RequestToggle(r.Context(), mac, r.PathValue("id"), req.State)
	if err != nil {
		s.fail(w, "toggle", err)
		return
	}
	status := http.StatusOK
	switch res.Status {
	case dispatch.StatusQueued:
		status = http.StatusAccepted
	case dispatch.StatusSuppressed:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, res)
}

type bulkRequest struct {
	Scope string `json:"scope"` // all, type, location
	Value string `json:"value,omitempty"`
	State bool   `json:"state"`
}

func (s *Server) handleAPIBulk(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher not available")
		return
	}
	var req bulkRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		n   int
		err error
	)
	switch req.Scope {
	case "all", "":
		n, err = s.dispatcher.ToggleAll(r.Context(), req.State)
	case "type":
		if req.Value == "" {
			s.writeError(w, http.StatusBadRequest, "value is required")
			return
		}
		n, err = s.dispatcher.ToggleByType(r.Context(), req.Value, req.State)
	case "location":
		if req.Value == "" {
			s.writeError(w, http.StatusBadRequest, "value is required")
			return
		}
		n, err = s.dispatcher.ToggleByLocation(r.Context(), req.Value, req.State)
	default:
		s.writeError(w, http.StatusBadRequest, "scope must be all, type or location")
		return
	}
	if err != nil {
		s.fail(w, "bulk toggle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changed": n, "state": req.State})
}

func (s *Server) handleAPIPushConfig(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil {
		s.writeError(w, http.StatusServiceUnavailable, "gateway not available")
		return
	}
	mac, ok := s.pathMAC(w, r)
	if !ok {
		return
	}
	if err := s.gateway.PushConfig(r.Context(), mac); err != nil {
		s.fail(w, "push config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListAlerts(w http.ResponseWriter, r *http.Request) {
	unacked := r.URL.Query().Get("unacknowledged") == "true"
	alerts, err := s.store.ListAlerts(queryLimit(r, 100), unacked)
	if err != nil {
		s.fail(w, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*store.SecurityAlert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAPIAckAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.AcknowledgeAlert(r.PathValue("id"))
	if err != nil {
		s.fail(w, "acknowledge alert", err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}
