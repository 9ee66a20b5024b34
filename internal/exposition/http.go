package exposition

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/stats"
)

// Version is stamped by the build.
var Version = "0.1.0"

// Server is the metrics HTTP surface: Prometheus exposition, machine
// JSON, human text, and an index page, all backed by one cached
// snapshot.
type Server struct {
	log           *zap.Logger
	cache         *snapshotCache
	readingSuffix string

	listener net.Listener
	server   *http.Server
}

// NewServer binds the listener. Serving starts with Run.
func NewServer(listen string, registry *stats.Registry, c clock.Clock, readingSuffix string, log *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listen, err)
	}

	s := &Server{
		log:           log,
		cache:         newSnapshotCache(registry, c),
		readingSuffix: readingSuffix,
		listener:      listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/metrics", s.handlePrometheus)
	mux.HandleFunc("/metrics.json", s.handleJSON)
	mux.HandleFunc("/vars.json", s.handleJSON)
	mux.HandleFunc("/admin/metrics.json", s.handleJSON)
	mux.HandleFunc("/vars", s.handleHuman)
	s.server = &http.Server{Handler: mux}

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- s.server.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		// unknown paths serve machine-readable stats
		s.handleJSON(w, r)
		return
	}
	fmt.Fprintf(w, "Welcome to perfwatch\nVersion: %s\n", Version)
}

func (s *Server) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, renderPrometheus(s.cache.get()))
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	flat := make(map[string]uint64)
	for _, kv := range sortedKeys(s.cache.get(), s.readingSuffix) {
		flat[kv.Key] = kv.Value
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(flat); err != nil {
		s.log.Error("failed to encode metrics json", zap.Error(err))
	}
}

func (s *Server) handleHuman(w http.ResponseWriter, r *http.Request) {
	for _, kv := range sortedKeys(s.cache.get(), s.readingSuffix) {
		fmt.Fprintf(w, "%s: %d\n", kv.Key, kv.Value)
	}
}
