// Package status serves the fleetd status endpoints:
//
//	GET /healthz                     event monitor health, 503 while disconnected
//	GET /metrics                     Prometheus exposition
//	GET /containers                  records of every managed container
//	GET /containers/{name}           record of one container
//	GET /containers/{name}/stats     resource usage since the previous read
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spin-stack/fleetd/internal/lifecycle"
	"github.com/spin-stack/fleetd/internal/monitor"
	"github.com/spin-stack/fleetd/internal/registry"
	"github.com/spin-stack/fleetd/internal/stats"
	"github.com/spin-stack/fleetd/internal/version"
)

// HealthSource reports event stream health.
type HealthSource interface {
	Health() monitor.Health
}

// Sampler takes one-shot resource samples.
type Sampler interface {
	Sample(ctx context.Context, containerID string) (*stats.Sample, error)
}

// Options wires the server to the rest of fleetd.
type Options struct {
	Address  string
	Gatherer prometheus.Gatherer
	Monitor  HealthSource
	Registry *registry.Registry[*lifecycle.Controller]
	Stats    Sampler
	// Hosts returns the internal name to address table.
	Hosts func() map[string]string
}

// Server is the status HTTP server.
type Server struct {
	opts   Options
	router chi.Router

	mu   sync.Mutex
	prev map[string]*stats.Sample
	srv  *http.Server
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{opts: opts, prev: map[string]*stats.Sample{}}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/hosts", s.hosts)
	r.Route("/containers", func(r chi.Router) {
		r.Get("/", s.listContainers)
		r.Get("/{name}", s.getContainer)
		r.Get("/{name}/stats", s.containerStats)
	})
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("status server stopped")
		}
	}()
	log.G(ctx).WithField("address", ln.Addr().String()).Info("status server listening")
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.G(r.Context()).WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Trace("status request")
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.G(ctx).WithError(err).Debug("failed to write response")
	}
}

type healthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Monitor monitor.Health `json:"monitor"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Short()}
	code := http.StatusOK
	if s.opts.Monitor != nil {
		resp.Monitor = s.opts.Monitor.Health()
		if !resp.Monitor.Connected {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(r.Context(), w, code, resp)
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	records := []lifecycle.Record{}
	if s.opts.Registry != nil {
		for _, c := range s.opts.Registry.List() {
			records = append(records, c.Record())
		}
	}
	writeJSON(r.Context(), w, http.StatusOK, records)
}

func (s *Server) hosts(w http.ResponseWriter, r *http.Request) {
	hosts := map[string]string{}
	if s.opts.Hosts != nil {
		hosts = s.opts.Hosts()
	}
	writeJSON(r.Context(), w, http.StatusOK, hosts)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*lifecycle.Controller, bool) {
	name := chi.URLParam(r, "name")
	if s.opts.Registry != nil {
		if c, ok := s.opts.Registry.Get(name); ok {
			return c, true
		}
	}
	writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": "unknown container " + name})
	return nil, false
}

func (s *Server) getContainer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, c.Record())
}

type statsResponse struct {
	Name          string   `json:"name"`
	Running       bool     `json:"running"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryUsage   uint64   `json:"memory_usage"`
	MemoryLimit   uint64   `json:"memory_limit"`
	MemoryPercent *float64 `json:"memory_percent,omitempty"`
	NetworkRx     uint64   `json:"network_rx"`
	NetworkTx     uint64   `json:"network_tx"`
	RxPerSec      *float64 `json:"network_rx_per_sec,omitempty"`
	TxPerSec      *float64 `json:"network_tx_per_sec,omitempty"`
	BlockRead     uint64   `json:"block_read"`
	BlockWrite    uint64   `json:"block_write"`
}

func (s *Server) containerStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.opts.Stats == nil {
		writeJSON(r.Context(), w, http.StatusNotImplemented, map[string]string{"error": "stats disabled"})
		return
	}
	resp := statsResponse{Name: c.Name()}
	id := c.ContainerID()
	if id == "" {
		writeJSON(r.Context(), w, http.StatusOK, resp)
		return
	}

	cur, err := s.opts.Stats.Sample(r.Context(), id)
	if err != nil {
		log.G(r.Context()).WithError(err).WithField("container", c.Name()).Warn("failed to sample stats")
		writeJSON(r.Context(), w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	prev := s.prev[id]
	if !cur.Empty() {
		s.prev[id] = cur
	}
	s.mu.Unlock()

	resp.Running = !cur.Empty()
	resp.CPUPercent = stats.CPUPercent(prev, cur)
	resp.MemoryUsage, resp.MemoryLimit = cur.MemoryUsage, cur.MemoryLimit
	if pct, ok := stats.MemoryPercent(cur); ok {
		resp.MemoryPercent = &pct
	}
	resp.NetworkRx, resp.NetworkTx = cur.NetworkRx, cur.NetworkTx
	if rate, ok := stats.NetworkRate(prev, cur); ok {
		resp.RxPerSec, resp.TxPerSec = &rate.RxPerSec, &rate.TxPerSec
	}
	resp.BlockRead, resp.BlockWrite = cur.BlockRead, cur.BlockWrite
	writeJSON(r.Context(), w, http.StatusOK, resp)
}
