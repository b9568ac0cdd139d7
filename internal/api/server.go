// Package api exposes the machine operations over HTTP and streams namespace
// events to UI clients.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/extrusion.control/internal/db"
	"github.com/banshee-data/extrusion.control/internal/machine"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/units"
	"github.com/banshee-data/extrusion.control/internal/version"
)

// ANSI escape codes for request logging.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// ChangeLog is the read side of the settings store. *db.DB satisfies it.
type ChangeLog interface {
	RecentChanges(limit int) ([]db.SettingChange, error)
}

// EventSource is satisfied by *namespace.Hub.
type EventSource interface {
	Subscribe() (string, <-chan namespace.Event)
	Unsubscribe(id string)
}

type Server struct {
	m       *machine.Machine
	events  EventSource
	changes ChangeLog
	units   string
}

// NewServer returns a server for m. events and changes may be nil, in which
// case the matching endpoints answer 503.
func NewServer(m *machine.Machine, events EventSource, changes ChangeLog, speedUnits string) *Server {
	if !units.IsValidSpeedUnit(speedUnits) {
		speedUnits = units.MPM
	}
	return &Server{
		m:       m,
		events:  events,
		changes: changes,
		units:   speedUnits,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/laser", s.updateLaser)
	mux.HandleFunc("/api/regulator", s.updateRegulator)
	mux.HandleFunc("/api/puller", s.updatePuller)
	mux.HandleFunc("/api/extruder", s.updateExtruder)
	mux.HandleFunc("/api/settings/history", s.listChanges)
	mux.HandleFunc("/events", s.streamEvents)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to write response: %v", err)
	}
}

// speedUnits resolves the ?units= override against the server default.
func (s *Server) speedUnits(r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, true
	}
	return u, units.IsValidSpeedUnit(u)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"units":         s.units,
		"session_id":    s.m.SessionID(),
		"tick_interval": s.m.TickInterval().String(),
		"version":       version.Get(),
	})
}
