package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audittrail/internal/audit"
)

type server struct {
	coordinator *audit.Coordinator
	metrics     *metrics
}

// routes builds the HTTP API. The request-info middleware is the trusted
// boundary that stamps client address and user agent onto tracked events.
func (s *server) routes(reg *prometheus.Registry, trustForwarded bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(echo.WrapMiddleware(func(next http.Handler) http.Handler {
		return audit.RequestInfoMiddleware(trustForwarded, next)
	}))

	e.POST("/v1/events", s.handleRecordEvent)
	e.GET("/v1/events", s.handleQueryEvents)
	e.DELETE("/v1/events", s.handleClearEvents)

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return e
}

func (s *server) handleRecordEvent(c echo.Context) error {
	var event audit.Event
	if err := json.NewDecoder(c.Request().Body).Decode(&event); err != nil {
		s.metrics.eventsTracked.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	// Client fields are stamped from the request, never taken from the body.
	event.IPAddress, event.UserAgent = "", ""

	if err := s.coordinator.Track(c.Request().Context(), &event); err != nil {
		label := "error"
		if errors.Is(err, audit.ErrInvalidEvent) {
			label = "invalid"
		}
		s.metrics.eventsTracked.WithLabelValues(label).Inc()
		return httpError(err)
	}
	s.metrics.eventsTracked.WithLabelValues("ok").Inc()

	return c.JSON(http.StatusCreated, map[string]any{
		"id":        event.ID,
		"timestamp": event.Timestamp,
	})
}

func (s *server) handleQueryEvents(c echo.Context) error {
	opts, err := audit.ParseListParams(c.QueryParams())
	if err != nil {
		s.metrics.queries.WithLabelValues("invalid").Inc()
		return httpError(err)
	}

	start := time.Now()
	result, err := s.coordinator.Query(c.Request().Context(), opts)
	s.metrics.queryDuration.Observe(time.Since(start).Seconds())
	s.metrics.queries.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *server) handleClearEvents(c echo.Context) error {
	if err := s.coordinator.Clear(c.Request().Context()); err != nil {
		return httpError(err)
	}
	slog.Info("audit events cleared", "ip", c.RealIP())
	return c.NoContent(http.StatusNoContent)
}

func (s *server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// httpError maps audit error kinds onto HTTP status codes.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, audit.ErrInvalidEvent), errors.Is(err, audit.ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.ErrUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, audit.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit store unavailable")
	default:
		slog.Error("unexpected audit error", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
