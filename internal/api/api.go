// Package api serves read-only views of the warehouse over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/analytics"
	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const requestTimeout = 30 * time.Second

// Server exposes the warehouse read model.
type Server struct {
	store  warehouse.Reader
	report config.ReportConfig
	log    *zap.Logger
}

// New creates a Server over store.
func New(store warehouse.Reader, report config.ReportConfig) *Server {
	return &Server{
		store:  store,
		report: report,
		log:    zap.L().With(zap.String("component", "api")),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/customers/{id}/history", s.customerHistory)
		r.Get("/costs/daily", s.dailyCosts)
		r.Get("/costs/facts", s.facts)
		r.Get("/reports/top-services", s.topServices)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting server", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "api: listen")
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "api: shutdown")
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) customerHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	versions, err := s.store.CustomerHistory(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "customer "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id": id,
		"versions":    versions,
	})
}

func (s *Server) dailyCosts(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	daily, err := s.store.DailyCosts(r.Context(), window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(daily))
}

// facts accepts from, to, customer_id and service_key (repeatable). A
// customer id selects every version of that customer.
func (s *Server) facts(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := warehouse.FactFilter{Window: window}

	q := r.URL.Query()
	for _, raw := range q["service_key"] {
		k, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid service_key "+strconv.Quote(raw))
			return
		}
		filter.ServiceKeys = append(filter.ServiceKeys, k)
	}

	if id := strings.TrimSpace(q.Get("customer_id")); id != "" {
		versions, err := s.store.CustomerHistory(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if len(versions) == 0 {
			writeError(w, http.StatusNotFound, "customer "+id+" not found")
			return
		}
		for _, v := range versions {
			filter.CustomerKeys = append(filter.CustomerKeys, v.CustomerKey)
		}
	}

	facts, err := s.store.CustomerCosts(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(facts))
}

func (s *Server) topServices(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n := s.report.TopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
	}
	if n <= 0 {
		n = analytics.DefaultTopN
	}

	daily, err := s.store.DailyCosts(r.Context(), window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	services, err := s.store.Services(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	top := analytics.TopServices(daily, analytics.NewLabels(services), n)
	writeJSON(w, http.StatusOK, nonNil(top))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseWindow(r *http.Request) (model.DateRange, error) {
	var window model.DateRange
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			return window, eris.Errorf("invalid from date %q", raw)
		}
		window.From = d
	}
	if raw := q.Get("to"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			return window, eris.Errorf("invalid to date %q", raw)
		}
		window.To = d
	}
	if err := window.Validate(); err != nil {
		return window, eris.New("from must not be after to")
	}
	return window, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
