// Package api serves the operational HTTP surface: Prometheus metrics,
// a liveness endpoint and a read-only device status API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/storage"
)

// energyCacheSize bounds the query cache. Entries are tiny, the size
// mostly limits how many distinct device/window combinations stay warm.
const energyCacheSize = 128

const defaultEnergyWindowMin = 60

// DeviceStatus is one row of the /api/devices response.
type DeviceStatus struct {
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	Failures int    `json:"failures"`
}

// StatusFunc supplies the current device view. It is called on the HTTP
// goroutine, so implementations must be safe for concurrent use.
type StatusFunc func() []DeviceStatus

// Server is the operational HTTP endpoint.
type Server struct {
	httpServer *http.Server
	sink       storage.Sink
	status     StatusFunc
	cache      *lru.Cache
	logger     *logrus.Logger
	now        func() time.Time
}

// NewServer wires the routes. The Prometheus gatherer is passed in so
// tests can use an isolated registry.
func NewServer(port int, sink storage.Sink, status StatusFunc, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	cache, _ := lru.New(energyCacheSize)
	s := &Server{
		sink:   sink,
		status: status,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{name}/energy", s.handleEnergy).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// WithClock overrides the time source. Used by tests.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	s.logger.Infof("HTTP server listening on %s", s.httpServer.Addr)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status())
}

// handleEnergy sums the successfully fetched energy of one device over
// the trailing window. Results are cached per minute: the poll cadence
// makes anything fresher than that meaningless.
func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	minutes := defaultEnergyWindowMin
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid minutes parameter"})
			return
		}
		minutes = parsed
	}

	end := s.now().UTC().Truncate(time.Minute)
	cacheKey := fmt.Sprintf("%s|%d|%d", name, minutes, end.Unix())
	if cached, ok := s.cache.Get(cacheKey); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	start := end.Add(-time.Duration(minutes) * time.Minute)
	records, err := s.sink.Query(r.Context(), name, start, end)
	if err != nil {
		s.logger.WithField("device", name).Errorf("Energy query failed: %v", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "storage query failed"})
		return
	}

	sum := 0.0
	samples := 0
	for _, m := range records {
		if m.FetchSuccess {
			sum += m.EnergyWh
			samples++
		}
	}
	response := map[string]interface{}{
		"device":     name,
		"window_min": minutes,
		"energy_wh":  sum,
		"samples":    samples,
	}
	s.cache.Add(cacheKey, response)
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorf("Failed to encode response: %v", err)
	}
}
