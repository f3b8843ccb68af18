// Package httpapi exposes the learning engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/learning"
	"github.com/fyrsmithlabs/braidd/internal/logging"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// Ingester accepts new level-0 strands.
type Ingester interface {
	NotifyNewRecord(ctx context.Context, s *strand.Strand) (*learning.NotifyResult, error)
}

// ContextReader answers context queries.
type ContextReader interface {
	GetContext(ctx context.Context, req injection.Request) (*injection.Result, error)
}

// PromotionStatus reports in-flight and deferred promotions.
type PromotionStatus interface {
	Status() promotion.Status
}

// HealthCheck reports a dependency's health. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the server routes to. Ingest and Context are
// required.
type Deps struct {
	Ingest     Ingester
	Context    ContextReader
	Promotions PromotionStatus
	Gatherer   prometheus.Gatherer
	Checks     map[string]HealthCheck
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server provides the braidd HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Ingest == nil {
		return nil, fmt.Errorf("ingester cannot be nil")
	}
	if deps.Context == nil {
		return nil, fmt.Errorf("context reader cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(requestContext(logger))

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id into the request context and logs
// each request once it completes.
func requestContext(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", id),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/v1")
	v1.POST("/strands", s.handleNotify)
	v1.GET("/context/:consumer/:kind", s.handleContext)
	v1.GET("/promotions", s.handlePromotions)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
	}
	for name, check := range s.deps.Checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleNotify(c echo.Context) error {
	var req NotifyRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid notify request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	rec := req.Strand()
	res, err := s.deps.Ingest.NotifyNewRecord(c.Request().Context(), rec)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, NotifyResponse{ID: res.ID, Evaluated: res.Evaluated})
}

func (s *Server) handleContext(c echo.Context) error {
	req := injection.Request{
		Consumer: c.Param("consumer"),
		Kind:     c.Param("kind"),
	}
	params := make(map[string][]string)
	for key, values := range c.QueryParams() {
		if key != "limit" {
			params[key] = values
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Field: "limit"})
		}
		req.Limit = n
	}
	filter, err := ParseFilter(params)
	if err != nil {
		return s.toHTTPError(err)
	}
	req.Filter = filter

	res, err := s.deps.Context.GetContext(c.Request().Context(), req)
	if err != nil {
		return s.toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePromotions(c echo.Context) error {
	if s.deps.Promotions == nil {
		return echo.NewHTTPError(http.StatusNotFound, ErrorResponse{Error: "promotion status unavailable"})
	}
	return c.JSON(http.StatusOK, s.deps.Promotions.Status())
}

// toHTTPError maps domain errors onto status codes.
func (s *Server) toHTTPError(err error) error {
	var verr *strand.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, injection.ErrNotSubscribed):
		return echo.NewHTTPError(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// ParseFilter builds a filter from query parameters. "name=value" becomes
// an equality condition; "name.min" and "name.max" bound a numeric
// attribute. Conditions are ordered by attribute name.
func ParseFilter(params map[string][]string) (strand.Filter, error) {
	byName := make(map[string]*strand.Condition)
	cond := func(name string) *strand.Condition {
		c, ok := byName[name]
		if !ok {
			c = &strand.Condition{Name: name}
			byName[name] = c
		}
		return c
	}

	for key, values := range params {
		if len(values) == 0 || key == "" {
			continue
		}
		raw := values[0]
		name, bound := splitBound(key)
		if name == "" {
			return nil, &strand.ValidationError{Field: key, Reason: "attribute name is empty"}
		}
		if bound == "" {
			v := raw
			cond(name).Equals = &v
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &strand.ValidationError{Field: key, Reason: "bound must be numeric"}
		}
		if bound == "min" {
			cond(name).Min = &f
		} else {
			cond(name).Max = &f
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	filter := make(strand.Filter, 0, len(names))
	for _, name := range names {
		filter = append(filter, *byName[name])
	}
	return filter, nil
}

func splitBound(key string) (string, string) {
	for _, suffix := range []string{".min", ".max"} {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			return key[:len(key)-len(suffix)], suffix[1:]
		}
	}
	if key == ".min" || key == ".max" {
		return "", key[1:]
	}
	return key, ""
}

// Start starts the HTTP server. It blocks until the server stops and
// returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
