package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/pipeline"
	"github.com/scoutline/discovery-cli/internal/store"
	"github.com/scoutline/discovery-cli/internal/sweeper"
)

var (
	servePort  int
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the discovery HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background sweep keeps expired checkpoints from piling up.
		go env.Sweeper.Run(ctx)

		srvDeps := &serverDeps{
			runner:         env.Orchestrator,
			store:          env.Store,
			sweeper:        env.Sweeper,
			authToken:      cfg.Server.AuthToken,
			localEmulation: cfg.Server.LocalEmulation,
			debugMode:      serveDebug,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(srvDeps),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
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
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug mode (allows local auth bypass)")
	rootCmd.AddCommand(serveCmd)
}

// discoveryRunner is the orchestrator surface the handlers need.
type discoveryRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	RunStage(ctx context.Context, req pipeline.StageRequest) (*pipeline.Result, error)
}

type serverDeps struct {
	runner         discoveryRunner
	store          store.Store
	sweeper        *sweeper.Sweeper
	authToken      string
	localEmulation bool
	debugMode      bool
}

var validate = validator.New()

func newRouter(deps *serverDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.authMiddleware)
		r.Post("/pipeline", deps.handleRunPipeline)
		r.Get("/pipeline/{id}", deps.handlePipelineStatus)
		r.Get("/pipeline/{id}/stages/{stage}", deps.handleStageDocument)
		r.Post("/stages/{stage}", deps.handleRunStage)
		r.Post("/cleanup", deps.handleCleanup)
	})

	return r
}

// authMiddleware verifies the bearer token. When the server runs in debug
// mode against a local emulator the check is bypassed with a synthetic
// identity.
func (d *serverDeps) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if d.authToken != "" && token == d.authToken {
			next.ServeHTTP(w, r)
			return
		}

		if d.debugMode && d.localEmulation {
			zap.L().Warn("auth bypassed for local emulation", zap.String("user", "test-user"))
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), "test-user")))
			return
		}

		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid bearer token")
	})
}

type userKey struct{}

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

type runPipelineRequest struct {
	PipelineID   string         `json:"pipeline_id"`
	Query        string         `json:"query" validate:"required"`
	FitQuery     string         `json:"fit_query"`
	Limit        int            `json:"limit" validate:"gte=0,lte=1000"`
	MinFollowers int64          `json:"min_followers" validate:"gte=0"`
	MaxFollowers int64          `json:"max_followers" validate:"gte=0"`
	Platforms    []string       `json:"platforms"`
	StopAtStage  string         `json:"stop_at_stage"`
	Rerank       *rerankRequest `json:"rerank"`
	DebugMode    bool           `json:"debug_mode"`
}

type rerankRequest struct {
	TopK int    `json:"top_k" validate:"gte=0,lte=1000"`
	Mode string `json:"mode" validate:"omitempty,oneof=bio posts bio+posts"`
}

func (d *serverDeps) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req runPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	runReq := pipeline.Request{
		PipelineID:   req.PipelineID,
		Query:        req.Query,
		FitQuery:     req.FitQuery,
		Limit:        req.Limit,
		MinFollowers: req.MinFollowers,
		MaxFollowers: req.MaxFollowers,
		Platforms:    req.Platforms,
		StopAtStage:  req.StopAtStage,
		DebugMode:    req.DebugMode,
	}
	if req.Rerank != nil {
		runReq.Rerank = true
		runReq.RerankTopK = req.Rerank.TopK
		runReq.RerankMode = req.Rerank.Mode
	}

	result, err := d.runner.Run(r.Context(), runReq)
	if err != nil {
		category := pipeline.CategoryOf(err)
		writeError(w, pipeline.HTTPStatus(category), string(category), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type runStageRequest struct {
	PipelineID   string         `json:"pipeline_id"`
	InputStage   string         `json:"input_stage"`
	Query        string         `json:"query"`
	FitQuery     string         `json:"fit_query"`
	Limit        int            `json:"limit" validate:"gte=0,lte=1000"`
	MinFollowers int64          `json:"min_followers" validate:"gte=0"`
	MaxFollowers int64          `json:"max_followers" validate:"gte=0"`
	Platforms    []string       `json:"platforms"`
	Rerank       *rerankRequest `json:"rerank"`
	DebugMode    bool           `json:"debug_mode"`
}

func (d *serverDeps) handleRunStage(w http.ResponseWriter, r *http.Request) {
	var req runStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	stageReq := pipeline.StageRequest{
		PipelineID:   req.PipelineID,
		Stage:        chi.URLParam(r, "stage"),
		InputStage:   req.InputStage,
		Query:        req.Query,
		FitQuery:     req.FitQuery,
		Limit:        req.Limit,
		MinFollowers: req.MinFollowers,
		MaxFollowers: req.MaxFollowers,
		Platforms:    req.Platforms,
		DebugMode:    req.DebugMode,
	}
	if req.Rerank != nil {
		stageReq.RerankTopK = req.Rerank.TopK
		stageReq.RerankMode = req.Rerank.Mode
	}

	result, err := d.runner.RunStage(r.Context(), stageReq)
	if err != nil {
		category := pipeline.CategoryOf(err)
		writeError(w, pipeline.HTTPStatus(category), string(category), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (d *serverDeps) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.store.GetPipelineStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "pipeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *serverDeps) handleStageDocument(w http.ResponseWriter, r *http.Request) {
	stage := strings.ToUpper(chi.URLParam(r, "stage"))
	if !pipeline.KnownStage(stage) {
		writeError(w, http.StatusBadRequest, "invalid_argument", "unknown stage")
		return
	}

	doc, err := d.store.GetStageDocument(r.Context(), chi.URLParam(r, "id"), stage)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "stage document not found or expired")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (d *serverDeps) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := d.sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, category, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "category": category})
}
