// Package endpoints serves the admin HTTP surface of a deltapub process:
// health, rendered stats, and whatever handlers the binary mounts (the delta
// worker websocket endpoint, for one).
package endpoints

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/common/stats"
)

// Addr is a host:port to listen on.
type Addr string

// HealthFunc reports why the process is unhealthy, or nil.
type HealthFunc func() error

// MakeStatsReceiver returns a receiver on the default registry rooted at scope.
func MakeStatsReceiver(scope string) stats.StatsReceiver {
	return stats.DefaultStatsReceiver().Scope(scope)
}

type AdminServer struct {
	addr   Addr
	stat   stats.StatsReceiver
	health HealthFunc
	mux    *http.ServeMux
	paths  []string
	server *http.Server
}

// NewAdminServer mounts /health, /admin/metrics.json and handlers (path ->
// handler). health may be nil.
func NewAdminServer(addr Addr, stat stats.StatsReceiver, health HealthFunc, handlers map[string]http.Handler) *AdminServer {
	s := &AdminServer{
		addr:   addr,
		stat:   stat,
		health: health,
		mux:    http.NewServeMux(),
	}
	s.handle("/health", http.HandlerFunc(s.healthHandler))
	s.handle("/admin/metrics.json", http.HandlerFunc(s.statsHandler))
	for path, h := range handlers {
		s.handle(path, h)
	}
	sort.Strings(s.paths)
	s.mux.HandleFunc("/", s.helpHandler)
	s.server = &http.Server{Addr: string(addr), Handler: s.mux}
	return s
}

func (s *AdminServer) handle(path string, h http.Handler) {
	s.paths = append(s.paths, path)
	s.mux.Handle(path, h)
}

// Handler returns the server's routes, for embedding or tests.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Serve listens on the configured address and blocks until Shutdown.
func (s *AdminServer) Serve() error {
	ln, err := net.Listen("tcp", string(s.addr))
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.addr)
	}
	return s.ServeListener(ln)
}

func (s *AdminServer) ServeListener(ln net.Listener) error {
	log.Infof("Serving http & stats on %s", ln.Addr())
	err := s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for active requests.
// Hijacked connections such as worker websockets are not waited for.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) helpHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "paths: %s\n", strings.Join(s.paths, ", "))
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	fmt.Fprintf(w, "ok")
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	pretty := r.URL.Query().Get("pretty") == "true"
	if _, err := w.Write(s.stat.Render(pretty)); err != nil {
		log.WithField("err", err).Debug("writing stats")
	}
}
