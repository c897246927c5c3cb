package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/monitoring"
	"github.com/sells-group/signal-cli/internal/pipeline"
	"github.com/sells-group/signal-cli/internal/store"
)

var servePort int

// runner is the orchestrator surface the server triggers.
type runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*model.PipelineRun, error)
	RunCascade(ctx context.Context) (*model.PipelineRun, error)
	RunOutcome(ctx context.Context) (*model.PipelineRun, error)
}

// runReader reads recorded runs.
type runReader interface {
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
}

type serverDeps struct {
	Runner    runner
	Runs      runReader
	Metrics   http.Handler // may be nil
	AuthToken string
	Origins   []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run-now HTTP server and the health checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var notifiers []monitoring.Notifier
		if env.Telegram != nil {
			notifiers = append(notifiers, env.Telegram)
		}
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring, notifiers...),
			env.Metrics,
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		if cfg.Server.AuthToken == "" {
			zap.L().Warn("serve: run endpoints are unauthenticated", zap.Strings("allowed_origins", cfg.Server.AllowedOrigins))
		}
		router := buildRouter(serverDeps{
			Runner:    env.Orch,
			Runs:      env.Store,
			Metrics:   env.Metrics.Handler(),
			AuthToken: cfg.Server.AuthToken,
			Origins:   cfg.Server.AllowedOrigins,
		}, pipelineOptions)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildRouter mounts the health, metrics and run endpoints. Each run kind
// executes synchronously and at most once at a time; a second request for a
// busy kind gets 409.
func buildRouter(deps serverDeps, options func(skip []string, forceTargets bool) pipeline.Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	locks := map[model.RunKind]*sync.Mutex{
		model.RunKindPipeline: {},
		model.RunKindCascade:  {},
		model.RunKindOutcome:  {},
	}
	trigger := func(kind model.RunKind, fn func(ctx context.Context) (*model.PipelineRun, error)) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if deps.Runner == nil {
				writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
				return
			}
			mu := locks[kind]
			if !mu.TryLock() {
				writeError(w, http.StatusConflict, fmt.Sprintf("%s run already in progress", kind))
				return
			}
			defer mu.Unlock()

			run, err := fn(req.Context())
			if err != nil {
				zap.L().Error("run-now request failed", zap.String("kind", string(kind)), zap.Error(err))
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeResponse(w, http.StatusOK, run)
		}
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(deps.AuthToken))

		r.Post("/runs/pipeline", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Skip         []string `json:"skip"`
				ForceTargets bool     `json:"force_targets"`
			}
			if req.ContentLength != 0 {
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeError(w, http.StatusBadRequest, "invalid request body")
					return
				}
			}
			trigger(model.RunKindPipeline, func(ctx context.Context) (*model.PipelineRun, error) {
				return deps.Runner.Run(ctx, options(body.Skip, body.ForceTargets))
			})(w, req)
		})
		r.Post("/runs/cascade", trigger(model.RunKindCascade, func(ctx context.Context) (*model.PipelineRun, error) {
			return deps.Runner.RunCascade(ctx)
		}))
		r.Post("/runs/outcome", trigger(model.RunKindOutcome, func(ctx context.Context) (*model.PipelineRun, error) {
			return deps.Runner.RunOutcome(ctx)
		}))

		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			if deps.Runs == nil {
				writeError(w, http.StatusServiceUnavailable, "store not configured")
				return
			}
			q := req.URL.Query()
			filter := store.RunFilter{
				Kind:   model.RunKind(q.Get("kind")),
				Status: model.RunStatus(q.Get("status")),
				Limit:  50,
			}
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeError(w, http.StatusBadRequest, "limit must be a positive integer")
					return
				}
				filter.Limit = n
			}
			runs, err := deps.Runs.ListRuns(req.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if runs == nil {
				runs = []model.PipelineRun{}
			}
			writeResponse(w, http.StatusOK, runs)
		})
		r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
			if deps.Runs == nil {
				writeError(w, http.StatusServiceUnavailable, "store not configured")
				return
			}
			run, err := deps.Runs.GetRun(req.Context(), chi.URLParam(req, "id"))
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "run not found")
			case err != nil:
				writeError(w, http.StatusInternalServerError, err.Error())
			default:
				writeResponse(w, http.StatusOK, run)
			}
		})
	})

	return r
}

// bearerAuth rejects requests without the configured token. An empty token
// disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeResponse(w, code, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
