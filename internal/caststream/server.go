// Package caststream serves the kpane dashboard backend: a small HTTP API for
// cluster metadata and a websocket endpoint where each connection drives its
// own set of log panes.
package caststream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/example/kpane/internal/delivery"
	"github.com/example/kpane/internal/kube"
	"github.com/example/kpane/internal/panes"
	"github.com/example/kpane/internal/version"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 4096
	shutdownGrace  = 5 * time.Second
)

// Option configures the caststream server.
type Option func(*Server)

// WithRoomBuffer sets how many events each pane buffers for a slow client.
func WithRoomBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.roomBuffer = n
		}
	}
}

// WithNamespace sets the namespace new sessions start in.
func WithNamespace(namespace string) Option {
	return func(s *Server) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

// WithOriginCheck restricts which origins may open a websocket session.
func WithOriginCheck(allowed func(origin string) bool) Option {
	return func(s *Server) {
		if allowed == nil {
			return
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed(origin)
		}
	}
}

// Server exposes the dashboard API over HTTP and websockets.
type Server struct {
	addr       string
	logger     logr.Logger
	client     *kube.Client
	source     panes.Source
	namespace  string
	roomBuffer int
	upgrader   websocket.Upgrader
	router     *chi.Mux

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	// droppedClosed sums the dropped events of sessions that have ended.
	droppedClosed uint64
}

// New creates a server reading cluster metadata through client and log lines
// through source.
func New(addr string, client *kube.Client, source panes.Source, logger logr.Logger, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		logger:     logger.WithName("caststream"),
		client:     client,
		source:     source,
		namespace:  client.Namespace,
		roomBuffer: delivery.DefaultRoomBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
	if s.namespace == "" {
		s.namespace = "default"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprint(w, "ok")
	})
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/cluster-name", s.handleClusterName)
		r.Get("/namespaces", s.handleNamespaces)
		r.Get("/pods/{namespace}", s.handlePods)
	})
	// Paths served by earlier releases of the dashboard.
	r.Get("/cluster-name", s.handleClusterName)
	r.Get("/pods/{namespace}", s.handlePods)
	return r
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.closeSessions()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("dashboard listening", "addr", s.addr, "namespace", s.namespace, "cluster", s.client.ClusterName)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Sessions returns the number of connected websocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "upgrade dashboard websocket")
		return
	}
	sess := newSession(s, conn)
	if !s.register(sess) {
		sess.close()
		return
	}
	defer s.unregister(sess)
	sess.run(r.Context())
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) unregister(sess *session) {
	dropped := sess.hub.TotalDropped()
	s.mu.Lock()
	delete(s.sessions, sess)
	s.droppedClosed += dropped
	s.mu.Unlock()
}

// DroppedEvents returns how many room events were dropped for slow clients,
// over live and ended sessions.
func (s *Server) DroppedEvents() uint64 {
	s.mu.Lock()
	total := s.droppedClosed
	hubs := make([]*delivery.Hub, 0, len(s.sessions))
	for sess := range s.sessions {
		hubs = append(hubs, sess.hub)
	}
	s.mu.Unlock()
	for _, h := range hubs {
		total += h.TotalDropped()
	}
	return total
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

type statusResponse struct {
	Cluster     string                `json:"cluster"`
	Namespace   string                `json:"namespace"`
	Sessions    int                   `json:"sessions"`
	Dropped     uint64                `json:"droppedEvents"`
	Version     version.Info          `json:"version"`
	APIRequests kube.APIStatsSnapshot `json:"apiRequests"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Cluster:     s.clusterName(),
		Namespace:   s.namespace,
		Sessions:    s.Sessions(),
		Dropped:     s.DroppedEvents(),
		Version:     version.Get(),
		APIRequests: s.client.Stats.Snapshot(),
	})
}

func (s *Server) handleClusterName(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, s.clusterName())
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := kube.ListNamespaces(r.Context(), s.client.Clientset)
	if err != nil {
		s.logger.Error(err, "list namespaces")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	catalog, err := kube.PodCatalog(r.Context(), s.client.Clientset, namespace)
	if err != nil {
		s.logger.Error(err, "list pods", "namespace", namespace)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) clusterName() string {
	if s.client.ClusterName == "" {
		return kube.UnknownCluster
	}
	return s.client.ClusterName
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs each request at V(1) once it completes.
func requestLogger(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.V(1).Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"requestID", middleware.GetReqID(r.Context()),
			)
		})
	}
}
