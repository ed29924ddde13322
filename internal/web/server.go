package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay-sync/internal/dispatch"
	"relay-sync/internal/events"
	"relay-sync/internal/store"
)

// Dispatcher executes switch intents.
type Dispatcher interface {
	RequestToggle(ctx context.Context, mac, switchID string, desired *bool) (dispatch.Result, error)
	ToggleAll(ctx context.Context, state bool) (int, error)
	ToggleByType(ctx context.Context, typ string, state bool) (int, error)
	ToggleByLocation(ctx context.Context, location string, state bool) (int, error)
}

// Gateway serves firmware connections and pushes configuration to them.
type Gateway interface {
	http.Handler
	PushConfig(ctx context.Context, mac string) error
	ConnectedDevices() []string
}

// Scheduler owns schedule persistence and timers.
type Scheduler interface {
	Save(s *store.Schedule) error
	SetEnabled(id string, enabled bool) (*store.Schedule, error)
	Remove(id string) error
	NextRun(id string) (time.Time, bool)
}

// Subscriber delivers bus events.
type Subscriber interface {
	OnAll(handler events.Handler) func()
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithDispatcher enables the toggle endpoints.
func WithDispatcher(d Dispatcher) ServerOption {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithGateway mounts the firmware websocket at /device-ws.
func WithGateway(g Gateway) ServerOption {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithScheduler enables schedule writes through the engine.
func WithScheduler(sch Scheduler) ServerOption {
	return func(s *Server) {
		s.scheduler = sch
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP surface: the firmware endpoint, the observer
// websocket and the JSON API.
type Server struct {
	store          store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	dispatcher     Dispatcher
	gateway        Gateway
	scheduler      Scheduler
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server and starts its websocket hub.
func NewServer(st store.Store, bus Subscriber, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:  st,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(s.wsHub.Broadcast)
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	if s.gateway != nil {
		s.mux.Handle("GET /device-ws", s.gateway)
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{mac}", s.handleAPIGetDevice)
	s.mux.HandleFunc("GET /api/devices/{mac}/activity", s.handleAPIDeviceActivity)
	s.mux.HandleFunc("POST /api/devices/{mac}/switches/{id}/toggle", s.handleAPIToggle)
	s.mux.HandleFunc("POST /api/devices/{mac}/config/push", s.handleAPIPushConfig)
	s.mux.HandleFunc("POST /api/switches/bulk", s.handleAPIBulk)

	s.mux.HandleFunc("GET /api/alerts", s.handleAPIListAlerts)
	s.mux.HandleFunc("POST /api/alerts/{id}/ack", s.handleAPIAckAlert)

	s.mux.HandleFunc("GET /api/schedules", s.handleAPIListSchedules)
	s.mux.HandleFunc("POST /api/schedules", s.handleAPICreateSchedule)
	s.mux.HandleFunc("GET /api/schedules/{id}", s.handleAPIGetSchedule)
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.handleAPIPutSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleAPIDeleteSchedule)
	s.mux.HandleFunc("POST /api/schedules/{id}/toggle", s.handleAPIToggleSchedule)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Only /api/ is key-protected. Firmware authenticates with identify and
	// browsers cannot set headers on a websocket upgrade.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body capped at 1 MB.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
