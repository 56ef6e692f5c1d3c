package main

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/najuna-brian/medipact-sub000/internal/platform/auth"
	"github.com/najuna-brian/medipact-sub000/internal/platform/db"
	"github.com/najuna-brian/medipact-sub000/internal/platform/middleware"
	"github.com/najuna-brian/medipact-sub000/internal/platform/sweeper"
)

// newServer builds the operator HTTP surface of the sweep daemon: health
// probes plus platform-only endpoints to inspect and trigger sweeps.
func newServer(a *app, sw *sweeper.Sweeper) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	var probe db.Pinger = a.store
	if a.pool != nil {
		probe = a.pool
	}
	e.GET("/health/store", db.HealthHandler(probe))

	ops := e.Group("/ops",
		auth.CallerMiddleware(a.jwtConfig(), auth.AuthSkipper),
		auth.RequireKind(auth.KindPlatform),
	)
	ops.GET("/sweep", sweepStats(sw))
	ops.POST("/sweep", sweepNow(sw))
	ops.GET("/audit/head", auditHead(a))

	return e
}

func sweepStats(sw *sweeper.Sweeper) echo.HandlerFunc {
	return func(c echo.Context) error {
		st := sw.Stats()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"interval": sw.Interval().String(),
			"passes":   st.Passes,
			"expired":  st.Expired,
			"failures": st.Failures,
			"last_run": st.LastRun,
		})
	}
}

func sweepNow(sw *sweeper.Sweeper) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := sw.SweepOnce(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "expiry pass failed")
		}
		return c.JSON(http.StatusOK, map[string]int{"expired": n})
	}
}

func auditHead(a *app) echo.HandlerFunc {
	return func(c echo.Context) error {
		if a.chain == nil {
			return echo.NewHTTPError(http.StatusNotFound, "audit chain disabled")
		}
		return c.JSON(http.StatusOK, map[string]string{"head": a.chain.Head()})
	}
}
