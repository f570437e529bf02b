// Package server exposes the scan API over HTTP with echo. Handlers never
// touch a job directly; they go through the job store, which returns copies,
// and every read is scoped to the session's owner.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dharsanguruparan/facescan/internal/config"
	"github.com/dharsanguruparan/facescan/internal/folder"
	"github.com/dharsanguruparan/facescan/internal/logging"
	"github.com/dharsanguruparan/facescan/internal/model"
	"github.com/dharsanguruparan/facescan/internal/preview"
	"github.com/dharsanguruparan/facescan/internal/processing"
	"github.com/dharsanguruparan/facescan/internal/repository"
	"github.com/dharsanguruparan/facescan/internal/signing"
	"github.com/dharsanguruparan/facescan/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Deps are the collaborators a Server needs.
type Deps struct {
	Config    *config.Config
	Jobs      *storage.JobStore
	Results   repository.ResultStore
	Processor *processing.Processor
	Signer    *signing.Signer
	Previews  *preview.Fetcher
	// EngineCheck reports whether the matching engine can be started.
	EngineCheck func() error
	Logger      *slog.Logger
}

// Server hosts the HTTP handlers.
type Server struct {
	cfg         *config.Config
	jobs        *storage.JobStore
	results     repository.ResultStore
	processor   *processing.Processor
	signer      *signing.Signer
	previews    *preview.Fetcher
	engineCheck func() error
	logger      *slog.Logger
	echo        *echo.Echo
}

// New creates a configured server.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Jobs == nil || deps.Results == nil || deps.Processor == nil || deps.Signer == nil {
		return nil, errors.New("server: config, jobs, results, processor and signer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	previews := deps.Previews
	if previews == nil {
		previews = &preview.Fetcher{Logger: logger}
	}
	s := &Server{
		cfg:         deps.Config,
		jobs:        deps.Jobs,
		results:     deps.Results,
		processor:   deps.Processor,
		signer:      deps.Signer,
		previews:    previews,
		engineCheck: deps.EngineCheck,
		logger:      logger,
	}
	s.echo = s.routes()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "address", s.cfg.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, logging.Error(v.Error))
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	if s.cfg.AllowDevSessions {
		e.POST("/api/sessions", s.handleCreateSession)
	}

	api := e.Group("/api", s.requireSession)
	api.POST("/scans", s.handleSubmit)
	api.GET("/scans/:id", s.handleGetScan)
	api.DELETE("/scans/:id", s.handleCancelScan)
	api.GET("/results/:id", s.handleGetResult)
	api.GET("/previews/:fileId", s.handlePreview)
	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	stats := s.jobs.Stats()
	jobs := make(map[string]int, len(stats))
	for status, n := range stats {
		jobs[string(status)] = n
	}
	body := map[string]any{"status": "ok", "engine": "available", "jobs": jobs}
	code := http.StatusOK
	if s.engineCheck != nil {
		if err := s.engineCheck(); err != nil {
			body["status"] = "degraded"
			body["engine"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, body)
}

func (s *Server) handleSubmit(c echo.Context) error {
	sub, err := s.readSubmission(c)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	folderID, err := folder.Parse(sub.folderRef)
	if err != nil {
		sub.wipe()
		return errorJSON(c, http.StatusBadRequest, "invalid folder link")
	}

	job := s.processor.Submit(ownerFrom(c), folderID, &model.ScanInput{
		FolderID:  folderID,
		Image:     sub.image,
		ImageName: sub.imageName,
	})

	if wantsHTML(c.Request()) {
		return c.Redirect(http.StatusSeeOther, "/scans/"+job.ID)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (s *Server) handleGetScan(c echo.Context) error {
	job, err := s.jobs.Get(ownerFrom(c), c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusNotFound, "scan not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelScan(c echo.Context) error {
	if err := s.jobs.Cancel(ownerFrom(c), c.Param("id")); err != nil {
		return errorJSON(c, http.StatusNotFound, "scan not found")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleGetResult(c echo.Context) error {
	res, err := s.results.Get(c.Request().Context(), ownerFrom(c), c.Param("id"))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("load result", "result_id", c.Param("id"), logging.Error(err))
			return errorJSON(c, http.StatusInternalServerError, "could not load result")
		}
		return errorJSON(c, http.StatusNotFound, "result not found")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePreview(c echo.Context) error {
	img, err := s.previews.Fetch(c.Request().Context(), c.Param("fileId"))
	switch {
	case errors.Is(err, preview.ErrInvalidFileID):
		return errorJSON(c, http.StatusBadRequest, "invalid file id")
	case err != nil:
		return errorJSON(c, http.StatusNotFound, "preview unavailable")
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	c.Response().Header().Set("X-Content-Type-Options", "nosniff")
	return c.Blob(http.StatusOK, img.ContentType, img.Data)
}

func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}
