package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/edgegate/errors"
)

// Server exposes a registry on its own listener, away from gateway traffic
type Server struct {
	addr    string
	path    string
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
	bound  net.Addr
	closed bool
}

// NewServer builds the scrape handler; addr defaults to :9090 and path to
// /metrics.
func NewServer(addr, path string, registry *MetricsRegistry) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	if registry != nil {
		reg := registry.PrometheusRegistry()
		mux.Handle(path, promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			Registry:            reg,
			MaxRequestsInFlight: 4,
			Timeout:             10 * time.Second,
		})))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{addr: addr, path: path, handler: mux}
}

// Handler returns the scrape handler
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves until Shutdown. It
// returns nil at once if Shutdown already ran.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(stderrors.New("already running"), "Server", "Start", "start metrics server")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	s.server, s.bound = srv, ln.Addr()
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve metrics")
	}
	return nil
}

// Shutdown stops the server for good; later calls are no-ops
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server, s.bound, s.closed = nil, nil, true
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "stop metrics server")
	}
	return nil
}

// Address is the scrape URL, using the bound address once started
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	host := s.addr
	if s.bound != nil {
		host = s.bound.String()
	}
	return "http://" + host + s.path
}
