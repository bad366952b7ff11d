package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/pulse.report/internal/db"
	"github.com/banshee-data/pulse.report/internal/httputil"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/serialmux"
	"github.com/banshee-data/pulse.report/internal/version"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultBeatLimit = 100
	maxBeatLimit     = 10000
)

// StatusProvider reports the live pipeline state. *pipeline.Pipeline
// implements it.
type StatusProvider interface {
	Status() pipeline.Status
}

type Server struct {
	m          serialmux.SerialMuxInterface
	db         *db.DB
	pipeline   StatusProvider
	sampleRate int
	listPorts  func() ([]string, error)

	mu        sync.RWMutex
	sessionID string
}

// NewServer builds the HTTP API. database may be nil, in which case the
// session endpoints answer 503 and beats come from the live pipeline only.
func NewServer(m serialmux.SerialMuxInterface, database *db.DB, p StatusProvider, sampleRate int) *Server {
	return &Server{
		m:          m,
		db:         database,
		pipeline:   p,
		sampleRate: sampleRate,
		listPorts:  listSerialPorts,
	}
}

// SetSession records the session the pipeline is currently writing.
func (s *Server) SetSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *Server) currentSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
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
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
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
	mux.HandleFunc("/api/beats", s.listBeats)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}", s.showSession)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/charts/bpm", s.bpmChart)
	mux.HandleFunc("/api/charts/signal.png", s.signalPlot)
	mux.HandleFunc("/api/serial/devices", s.handleSerialDevices)
	return mux
}

type statusResponse struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	SessionID string `json:"session_id,omitempty"`
	pipeline.Status
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		SessionID: s.currentSession(),
		Status:    s.pipeline.Status(),
	})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	cmd, ok := serialmux.ParseCommand(r.FormValue("command"))
	if !ok {
		httputil.BadRequest(w, "unknown command "+strconv.Quote(cmd))
		return
	}
	if err := s.m.SendCommand(cmd); err != nil {
		httputil.InternalServerError(w, "failed to send command", err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"command": cmd, "status": "sent"})
}

// resolveSession picks the session a read endpoint should use: the explicit
// ?session= parameter, then the live session, then the most recent one stored.
func (s *Server) resolveSession(ctx context.Context, r *http.Request) (string, error) {
	if id := r.URL.Query().Get("session"); id != "" {
		return id, nil
	}
	if id := s.currentSession(); id != "" {
		return id, nil
	}
	latest, err := s.db.LatestSession(ctx)
	if err != nil {
		return "", err
	}
	return latest.ID, nil
}

func (s *Server) listBeats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultBeatLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit = min(limit, maxBeatLimit)

	if s.db == nil {
		if r.URL.Query().Get("session") != "" {
			httputil.ServiceUnavailable(w, "persistence is disabled")
			return
		}
		beats := s.pipeline.Status().RecentBeats
		if limit > 0 && len(beats) > limit {
			beats = beats[len(beats)-limit:]
		}
		httputil.WriteJSONOK(w, nonNil(beats))
		return
	}

	ctx := r.Context()
	id, err := s.resolveSession(ctx, r)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	var beats []pipeline.Beat
	if limit == 0 {
		beats, err = s.db.SessionBeats(ctx, id)
	} else {
		beats, err = s.db.RecentBeats(ctx, id, limit)
	}
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	httputil.WriteJSONOK(w, nonNil(beats))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.db.Sessions(r.Context(), limit)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	httputil.WriteJSONOK(w, nonNil(sessions))
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	sess, err := s.db.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sess)
}

func (s *Server) writeDBError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, "database query failed", err)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
