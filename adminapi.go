package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// AdminAPI serves read-only operational telemetry over plain HTTP, separate
// from the TLS chat port. It exposes counts and shapes, never room contents
// or membership — that boundary is what keeps this an ops surface rather
// than a second way to read chat data.
type AdminAPI struct {
	deps      *Deps
	echo      *echo.Echo
	startedAt time.Time
}

// NewAdminAPI constructs an AdminAPI and registers its routes.
func NewAdminAPI(deps *Deps) *AdminAPI {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(requestIDMiddleware)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[admin] %s %s %s %d", c.Get("request_id"), v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = adminErrorHandler

	a := &AdminAPI{deps: deps, echo: e, startedAt: time.Now()}
	a.registerRoutes()
	return a
}

func (a *AdminAPI) registerRoutes() {
	a.echo.GET("/health", a.handleHealth)
	a.echo.GET("/api/stats", a.handleStats)
	a.echo.GET("/api/rooms", a.handleRooms)
}

// Run starts the admin HTTP server on addr and blocks until ctx is
// canceled.
func (a *AdminAPI) Run(ctx context.Context, addr string) {
	go func() {
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[admin] shutdown: %v", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (a *AdminAPI) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// StatsResponse is the payload for GET /api/stats.
type StatsResponse struct {
	Clients       int    `json:"clients"`
	Authenticated int    `json:"authenticated"`
	Rooms         int    `json:"rooms"`
	MessagesRouted string `json:"messagesRouted"`
	ParseErrors    string `json:"parseErrors"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

func (a *AdminAPI) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Clients:        a.deps.Clients.Count(),
		Authenticated:  a.deps.Clients.AuthenticatedCount(),
		Rooms:          a.deps.Rooms.Count(),
		MessagesRouted: humanize.Comma(a.deps.MsgRouted.value()),
		ParseErrors:    humanize.Comma(a.deps.ParseErrors.value()),
		UptimeSeconds:  int64(time.Since(a.startedAt).Seconds()),
	})
}

func (a *AdminAPI) handleRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, a.deps.Rooms.Snapshots())
}

// requestIDMiddleware stamps every admin request with a uuid so its handful
// of log lines can be correlated without threading a context value through
// every call site.
func requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set("request_id", uuid.New().String())
		return next(c)
	}
}

// adminErrorHandler ensures all error responses from the read-only admin
// surface have a consistent JSON body:
//
//	{"error": "message"}
//
// Every admin route is a GET, so unlike a general-purpose API error handler
// there is no HEAD case to special-case into a bodyless response.
func adminErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
	}
}
