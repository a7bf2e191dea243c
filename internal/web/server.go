package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"dali-go-home/internal/automation"
	"dali-go-home/internal/coordinator"
	"dali-go-home/internal/dali"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket/CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// Server exposes the coordinator as a JSON REST API plus a WebSocket event
// feed.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	autoEngine     *automation.Engine
	scriptMgr      *automation.Manager
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a web server on a started coordinator.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every coordinator event goes out to all WebSocket clients.
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop unsubscribes from events and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/gear", s.handleAPIListGear)
	s.mux.HandleFunc("GET /api/gear/{id}", s.handleAPIGetGear)
	s.mux.HandleFunc("PATCH /api/gear/{id}", s.handleAPIRenameGear)
	s.mux.HandleFunc("POST /api/gear/{id}/on", s.handleAPIGearOn)
	s.mux.HandleFunc("POST /api/gear/{id}/off", s.handleAPIGearOff)
	s.mux.HandleFunc("POST /api/gear/{id}/level", s.handleAPIGearLevel)
	s.mux.HandleFunc("GET /api/gear/{id}/level", s.handleAPIGearQueryLevel)
	s.mux.HandleFunc("GET /api/gear/{id}/status", s.handleAPIGearStatus)
	s.mux.HandleFunc("POST /api/gear/{id}/up", s.handleAPIGearUp)
	s.mux.HandleFunc("POST /api/gear/{id}/down", s.handleAPIGearDown)
	s.mux.HandleFunc("POST /api/gear/{id}/identify", s.handleAPIGearIdentify)

	s.mux.HandleFunc("POST /api/groups/{group}/on", s.handleAPIGroupOn)
	s.mux.HandleFunc("POST /api/groups/{group}/off", s.handleAPIGroupOff)
	s.mux.HandleFunc("POST /api/groups/{group}/level", s.handleAPIGroupLevel)

	s.mux.HandleFunc("POST /api/broadcast/off", s.handleAPIBroadcastOff)
	s.mux.HandleFunc("POST /api/broadcast/level", s.handleAPIBroadcastLevel)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)

	s.mux.HandleFunc("POST /api/scan", s.handleAPIScan)
	s.mux.HandleFunc("GET /api/bus", s.handleAPIBusInfo)
	s.mux.HandleFunc("GET /api/adapters", s.handleAPIListAdapters)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
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

	if s.apiKey != "" {
		// Only /api/ routes are key-protected: browsers cannot send custom
		// headers on the WebSocket upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks the origin against the allowed origin patterns.
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

// writeBusError maps bus errors to HTTP statuses: unknown gear is 404, a bus
// locked by an addressing run is 409, and a silent device is 502.
func (s *Server) writeBusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dali.ErrDeviceNotAddressed):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "gear not found"})
	case errors.Is(err, dali.ErrBusBusy):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "bus busy, scan in progress"})
	case errors.Is(err, dali.ErrNoResponse), errors.Is(err, dali.ErrFramingError):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("bus operation", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
