package status

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/itohio/gosoil/pkg/history"
	"github.com/itohio/gosoil/pkg/measure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server exposes health, metrics and recent readings over HTTP.
type Server struct {
	router  chi.Router
	history *history.History
	state   func() measure.State
	started time.Time
	log     zerolog.Logger
}

// Options configures the status server.
type Options struct {
	Gatherer prometheus.Gatherer  // Metrics source (default prometheus.DefaultGatherer)
	State    func() measure.State // Orchestrator state, reported by /healthz
	Logger   *zerolog.Logger
}

// New creates a status server reading from h.
func New(h *history.History, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.State == nil {
		opts.State = func() measure.State { return measure.Idle }
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{
		history: h,
		state:   opts.State,
		started: time.Now(),
		log:     logger.With().Str("component", "status").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/readings", s.handleReadings)
	r.Get("/readings/latest", s.handleLatest)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting status server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status        string  `json:"status"`
	State         string  `json:"state"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Readings      int     `json:"readings"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		State:         s.state().String(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Readings:      len(s.history.Readings()),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.history.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no readings yet"})
		return
	}
	writeJSON(w, http.StatusOK, newReadingView(latest))
}

type readingsResponse struct {
	Readings []readingView `json:"readings"`
	Rates    []rateView    `json:"rates"`
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	readings := s.history.Readings()
	rates := s.history.Rates()

	resp := readingsResponse{
		Readings: make([]readingView, 0, len(readings)),
		Rates:    make([]rateView, 0, len(rates)),
	}
	for _, reading := range readings {
		resp.Readings = append(resp.Readings, newReadingView(reading))
	}
	for _, rate := range rates {
		resp.Rates = append(resp.Rates, rateView{From: rate.From, To: rate.To, PerHour: rate.PerHour})
	}
	writeJSON(w, http.StatusOK, resp)
}

// readingView is the JSON form of a reading. Values that could not be
// computed are null.
type readingView struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Quality     measure.Quality `json:"quality"`
	Voltage     *float64        `json:"voltage"`
	Tau         *float64        `json:"tau"`
	Capacitance *float64        `json:"capacitance"`
	Converged   bool            `json:"converged"`
	Iterations  int             `json:"iterations"`
	Moisture    *float64        `json:"moisture"`
	Attempts    int             `json:"attempts"`
}

type rateView struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	PerHour float64   `json:"per_hour"`
}

func newReadingView(r measure.Reading) readingView {
	return readingView{
		ID:          r.ID.String(),
		Timestamp:   r.Timestamp,
		Quality:     r.Quality,
		Voltage:     finite(r.Voltage),
		Tau:         finite(r.Inversion.Tau),
		Capacitance: finite(r.Inversion.Capacitance),
		Converged:   r.Inversion.Converged,
		Iterations:  r.Inversion.Iterations,
		Moisture:    finite(r.Moisture),
		Attempts:    r.Attempts,
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// requestLogger logs HTTP requests using zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_ip", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}
