// Package httpapi exposes the recitation pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/escalopa/quran-lab/internal/application"
	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/pkg/logger"
)

// Service is the pipeline surface served over HTTP
type Service interface {
	Submit(ctx context.Context, req application.SubmitRequest) (*application.Outcome, error)
	Withdraw(ctx context.Context, submissionID string) (*application.Outcome, error)
	CompleteReview(ctx context.Context, requestID string, outcome domain.ReviewOutcome) (*application.Outcome, error)
	RegisterReviewer(ctx context.Context, stage domain.Stage, reviewerID string) error
	GetProgress(ctx context.Context, userID string) (*application.ProgressView, error)
	Status(ctx context.Context) (*application.SystemStatus, error)
}

type Server struct {
	e    *echo.Echo
	svc  Service
	log  *logger.Logger
	addr string
}

// ReviewerRequest registers a reviewer for one validation stage
type ReviewerRequest struct {
	Stage      domain.Stage `json:"stage"`
	ReviewerID string       `json:"reviewer_id"`
}

func New(addr string, svc Service, log *logger.Logger) *Server {
	s := &Server{e: echo.New(), svc: svc, log: log, addr: addr}
	s.e.HideBanner = true
	s.e.HidePort = true

	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			kv := []interface{}{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				kv = append(kv, "error", v.Error)
			}
			log.Debug("http request", kv...)
			return nil
		},
	}))

	// add pingable method to know we're up
	s.e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, "OK")
	})
	s.e.GET("/health", s.status)
	s.e.GET("/api/status", s.status)
	s.e.POST("/submissions", s.submit)
	s.e.DELETE("/submissions/:id", s.withdraw)
	s.e.POST("/reviews/:id/complete", s.completeReview)
	s.e.POST("/reviewers", s.registerReviewer)
	s.e.GET("/users/:id/progress", s.progress)

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.addr)
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) submit(c echo.Context) error {
	var req application.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := s.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(statusOf(out), out)
}

func (s *Server) withdraw(c echo.Context) error {
	out, err := s.svc.Withdraw(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) completeReview(c echo.Context) error {
	var outcome domain.ReviewOutcome
	if err := c.Bind(&outcome); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := s.svc.CompleteReview(c.Request().Context(), c.Param("id"), outcome)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(statusOf(out), out)
}

func (s *Server) registerReviewer(c echo.Context) error {
	var req ReviewerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.svc.RegisterReviewer(c.Request().Context(), req.Stage, req.ReviewerID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) progress(c echo.Context) error {
	view, err := s.svc.GetProgress(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) status(c echo.Context) error {
	st, err := s.svc.Status(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	code := http.StatusOK
	if st.Status != "active" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, st)
}

// fail maps the error taxonomy to a status code
func (s *Server) fail(c echo.Context, err error) error {
	code := codeOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "uri", c.Request().RequestURI, "status", code, "error", err)
	}
	return echo.NewHTTPError(code, err.Error())
}

func codeOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrScoring):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAnalysisUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// statusOf answers 202 while a submission waits on reviewers
func statusOf(out *application.Outcome) int {
	if out != nil && out.Status == domain.StatusPendingReview {
		return http.StatusAccepted
	}
	return http.StatusOK
}
