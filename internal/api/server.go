// Package api serves the run-management HTTP API and the live WebSocket
// stream of a run.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"stresslab/internal/runner"
	"stresslab/internal/storage"
)

type Options struct {
	Manager *runner.Manager
	// History backs /history. Nil serves an empty list.
	History  storage.History
	Gatherer prometheus.Gatherer
	Auth     *Auth
	Logger   zerolog.Logger

	// PingInterval is the WebSocket keepalive period.
	PingInterval time.Duration
}

type Server struct {
	manager  *runner.Manager
	history  storage.History
	gatherer prometheus.Gatherer
	auth     *Auth
	log      zerolog.Logger

	pingInterval time.Duration
	upgrader     websocket.Upgrader
	router       *mux.Router
}

func New(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth, _ = NewAuth("", nil, 5, time.Minute)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	s := &Server{
		manager:      opts.Manager,
		history:      opts.History,
		gatherer:     opts.Gatherer,
		auth:         opts.Auth,
		log:          opts.Logger,
		pingInterval: opts.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	// public routes first so the authenticated subrouter never shadows them
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws/tests/{id}", s.handleWebSocket)

	api := r.NewRoute().Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/tests", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/run_test", s.handleRunSync).Methods(http.MethodPost)
	api.HandleFunc("/tests/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/tests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/tests/{id}/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{id}", s.handleHistoryDetail).Methods(http.MethodGet)
	api.HandleFunc("/admin/kill_switch", s.handleKillSwitch).Methods(http.MethodPost)

	s.router = r
}

func (s *Server) Handler() http.Handler { return s.router }

// Janitor prunes idle auth limiter entries every interval until ctx is done.
func (s *Server) Janitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.auth.Prune(now.Add(-interval))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
