package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cropsoil/internal/config"
	"github.com/sells-group/cropsoil/internal/ledger"
	"github.com/sells-group/cropsoil/internal/model"
	"github.com/sells-group/cropsoil/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status, health, and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		l, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		clock := clockwork.NewRealClock()
		collector := monitoring.NewCollector(l, clock, time.Duration(cfg.Monitoring.StaleRunHours)*time.Hour)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring, clock), cfg.Monitoring, clock)
			go checker.Run(ctx)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newServer(l, collector, cfg.Monitoring).routes(cfg.Server.CORSOrigins, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// server answers status queries against the run ledger.
type server struct {
	ledger    ledger.Ledger
	collector *monitoring.Collector
	mon       config.MonitoringConfig
}

func newServer(l ledger.Ledger, c *monitoring.Collector, mon config.MonitoringConfig) *server {
	return &server{ledger: l, collector: c, mon: mon}
}

func (s *server) routes(origins []string, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Get("/snapshot", s.handleSnapshot)
	r.Route("/runs", func(rr chi.Router) {
		rr.Get("/", s.handleListRuns)
		rr.Get("/{id}", s.handleGetRun)
		rr.Get("/{id}/units", s.handleListUnits)
	})

	return r
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RunFilter{
		Stage:  model.Stage(q.Get("stage")),
		Status: model.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.ledger.ListRuns(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ledger.GetRun(r.Context(), chi.URLParam(r, "id"))
	if eris.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.ledger.GetRun(r.Context(), id); err != nil {
		if eris.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.internalError(w, "get run", err)
		return
	}

	q := r.URL.Query()
	units, err := s.ledger.ListUnits(r.Context(), id, ledger.UnitFilter{
		Status: model.UnitStatus(q.Get("status")),
		State:  q.Get("state"),
	})
	if err != nil {
		s.internalError(w, "list units", err)
		return
	}
	if units == nil {
		units = []model.UnitRecord{}
	}
	writeJSON(w, http.StatusOK, units)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), s.mon.LookbackHours)
	if err != nil {
		s.internalError(w, "collect snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) internalError(w http.ResponseWriter, action string, err error) {
	zap.L().Error("server: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
