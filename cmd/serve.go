package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/monitoring"
	"github.com/sells-group/webcheck/internal/orchestrator"
	"github.com/sells-group/webcheck/internal/registry"
	"github.com/sells-group/webcheck/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the validation and status server",
	Long:  "Accepts validation batches on POST /validate, serves /health, /status, /metrics and run history, and runs background health alerts when monitoring is enabled.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, envOptions{})
		if err != nil {
			return err
		}
		defer env.Close(context.WithoutCancel(ctx))

		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(env.Store, env.Breakers, env.Metrics)
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		jobs := newValidateJobs(ctx, env)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, jobs, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		serveErr := srv.ListenAndServe()

		// Drain accepted batches before the store closes.
		if err := env.Orchestrator.Shutdown(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("orchestrator shutdown incomplete", zap.Error(err))
		}
		jobs.Wait()

		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return eris.Wrap(serveErr, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// statusResponse is the /status payload.
type statusResponse struct {
	orchestrator.Status
	DLQDepth int `json:"dlq_depth"`
}

// validateRequest is the POST /validate body.
type validateRequest struct {
	Source string              `json:"source"`
	Plan   *model.Plan         `json:"plan"`
	Rows   []map[string]string `json:"rows"`
}

// validateAccepted is the POST /validate response.
type validateAccepted struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
	Rows   int    `json:"rows"`
}

// validateJobs runs accepted batches in the background. Batches run on a
// context the server's signal does not cancel; the orchestrator's
// Shutdown drains them instead.
type validateJobs struct {
	ctx context.Context
	env *validatorEnv
	wg  sync.WaitGroup
}

func newValidateJobs(ctx context.Context, env *validatorEnv) *validateJobs {
	return &validateJobs{ctx: context.WithoutCancel(ctx), env: env}
}

// Wait blocks until every started batch has recorded its run.
func (j *validateJobs) Wait() {
	j.wg.Wait()
}

func (j *validateJobs) start(run *model.Run, plan *model.Plan, rows []model.Row) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.run(run, plan, rows)
	}()
}

func (j *validateJobs) run(run *model.Run, plan *model.Plan, rows []model.Row) {
	log := zap.L().With(zap.String("run_id", run.ID))
	start := time.Now()

	var tally orchestrator.Tally
	for o := range j.env.Orchestrator.Run(j.ctx, orchestrator.Request{RunID: run.ID, Plan: plan, Rows: rows}) {
		tally.Add(o)
	}
	summary := tally.Summary()

	status := model.RunStatusComplete
	if summary.Total < len(rows) {
		status = model.RunStatusInterrupted
	}
	if err := j.env.Store.CompleteRun(j.ctx, run.ID, status, &summary); err != nil {
		log.Error("failed to complete run", zap.Error(err))
		return
	}
	log.Info("batch complete",
		zap.String("status", string(status)),
		zap.Int("total", summary.Total),
		zap.Int("matched", summary.Matched),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// handleValidate accepts a plan plus rows, records a run and validates the
// rows in the background. Poll /runs/{runID} for the result.
func handleValidate(env *validatorEnv, jobs *validateJobs) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if env.Orchestrator.Status().ShuttingDown {
			writeError(w, http.StatusServiceUnavailable, eris.New("server is shutting down"))
			return
		}

		var body validateRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "invalid request body"))
			return
		}
		if body.Plan == nil {
			writeError(w, http.StatusBadRequest, eris.New("plan is required"))
			return
		}
		if len(body.Rows) == 0 {
			writeError(w, http.StatusBadRequest, eris.New("rows are required"))
			return
		}
		if err := registry.ValidatePlan(body.Plan); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rows, err := registry.RowsFromRecords(body.Rows)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		source := body.Source
		if source == "" {
			source = "api"
		}
		run, err := env.Store.CreateRun(req.Context(), source, body.Plan.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		jobs.start(run, body.Plan, rows)

		writeJSON(w, http.StatusAccepted, validateAccepted{Status: "accepted", RunID: run.ID, Rows: len(rows)})
	}
}

// buildRouter wires the validation and status endpoints.
func buildRouter(env *validatorEnv, jobs *validateJobs, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument(env))
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{Status: env.Orchestrator.Status()}
		n, err := env.Store.CountDLQ(req.Context())
		if err != nil {
			zap.L().Warn("status: count dlq", zap.Error(err))
		}
		resp.DLQDepth = n
		env.Metrics.SetDLQDepth(n)
		writeJSON(w, http.StatusOK, resp)
	})

	r.Handle("/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))

	r.Post("/validate", handleValidate(env, jobs))

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			runs, err := env.Store.ListRuns(req.Context(), store.RunFilter{
				Status:   model.RunStatus(req.URL.Query().Get("status")),
				PlanName: req.URL.Query().Get("plan"),
				Limit:    limit,
			})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if runs == nil {
				runs = []model.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		})
		r.Get("/{runID}", func(w http.ResponseWriter, req *http.Request) {
			withRows := req.URL.Query().Get("rows") == "true"
			detail, err := loadRunDetail(req.Context(), env.Store, chi.URLParam(req, "runID"), withRows)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, detail)
		})
	})

	return r
}

// instrument records request counts and latency by route pattern.
func instrument(env *validatorEnv) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				pattern = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			env.Metrics.RecordHTTPRequest(r.Method, pattern, status, time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
