package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/4JX/daedalus/mirror"

	"github.com/labstack/echo/v4"
)

type Dependencies struct {
	Snapshot    func() mirror.MetricsSnapshot
	PromHandler http.Handler
	Sync        func(context.Context) (*mirror.RunRecord, error)
	LatestRun   func(context.Context) (*mirror.RunRecord, error)
	Logger      *slog.Logger
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	e.GET("/metrics/app", func(c echo.Context) error {
		if deps.Snapshot == nil {
			return c.JSON(http.StatusOK, mirror.MetricsSnapshot{})
		}
		return c.JSON(http.StatusOK, deps.Snapshot())
	})
	if deps.PromHandler != nil {
		e.GET("/metrics", echo.WrapHandler(deps.PromHandler))
	}

	e.POST("/sync", func(c echo.Context) error {
		if deps.Sync == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "mirror unavailable"})
		}
		record, err := deps.Sync(c.Request().Context())
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "sync request failed",
				"failure_kind", mirror.FailureKind(err),
				"error", err,
			)
			return WriteRunError(c, record, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "run": record})
	})

	e.GET("/runs/latest", func(c echo.Context) error {
		if deps.LatestRun == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "run store unavailable"})
		}
		record, err := deps.LatestRun(c.Request().Context())
		if err != nil {
			if errors.Is(err, mirror.ErrRunNotFound) {
				return c.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
			}
			return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, record)
	})
}

// WriteRunError maps a failed run to a response. A lease conflict means
// another run holds the prefix; every other failure is an upstream or
// storage problem.
func WriteRunError(c echo.Context, record *mirror.RunRecord, err error) error {
	body := map[string]any{
		"error":        err.Error(),
		"failure_kind": mirror.FailureKind(err),
	}
	if record != nil {
		body["run"] = record
	}
	if errors.Is(err, mirror.ErrRunLeaseConflict) {
		c.Response().Header().Set("Retry-After", "60")
		return c.JSON(http.StatusConflict, body)
	}
	return c.JSON(http.StatusBadGateway, body)
}
