package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trivia-live-service/internal/app"
	cerrors "trivia-live-service/internal/errors"
	"trivia-live-service/internal/ranking"
	"trivia-live-service/internal/registry"
)

type Config struct {
	Service  *app.Service
	Registry *registry.Registry
	// Ranking is optional; ranking routes answer 503 without it.
	Ranking ranking.Store
	Logger  *slog.Logger
	// Now defaults to time.Now and resolves the "daily" scope alias.
	Now func() time.Time
}

type api struct {
	service  *app.Service
	registry *registry.Registry
	ranking  ranking.Store
	now      func() time.Time
}

// NewRouter builds the HTTP surface: REST routes, the websocket endpoint, health,
// metrics and pprof.
func NewRouter(c Config) *gin.Engine {
	a := &api{
		service:  c.Service,
		registry: c.Registry,
		ranking:  c.Ranking,
		now:      c.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}
	ws := NewWSHandler(c.Service, c.Registry, c.Logger)

	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	e.GET("/ws", gin.WrapF(ws.ServeWS))
	e.GET("/stats", a.stats)

	s := e.Group("/sessions")
	s.POST("", a.createSession)
	s.GET("/:id", a.snapshot)
	s.GET("/:id/results", a.results)
	s.POST("/:id/start", a.hostAction(a.service.Start))
	s.POST("/:id/pause", a.hostAction(a.service.Pause))
	s.POST("/:id/resume", a.hostAction(a.service.Resume))
	s.POST("/:id/cancel", a.hostAction(a.service.Cancel))

	r := e.Group("/rankings/:scope")
	r.GET("/top", a.top)
	r.GET("/rank/:key", a.rankOf)
	r.GET("/around/:key", a.around)
	return e
}

func (a *api) createSession(c *gin.Context) {
	var req app.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, cerrors.New(cerrors.CodeInvalidArgument, cerrors.WithMessagef("invalid body: %s", err), cerrors.WithCause(err)))
		return
	}
	if req.HostID == "" {
		id := identity(c.Request)
		req.HostID, req.HostName, req.HostCrew = id.UserID, id.DisplayName, id.Crew
	}

	info, err := a.service.CreateSession(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (a *api) snapshot(c *gin.Context) {
	snap, err := a.service.Snapshot(c.Request.Context(), c.Param("id"), identity(c.Request).UserID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *api) results(c *gin.Context) {
	res, err := a.service.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) hostAction(fn func(ctx context.Context, sessionID, userID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := identity(c.Request).UserID
		if userID == "" {
			abort(c, cerrors.New(cerrors.CodeUnauthenticated, cerrors.WithMessagef("missing user identity")))
			return
		}
		if err := fn(c.Request.Context(), c.Param("id"), userID); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (a *api) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"registry":       a.registry.Stats(),
		"activeSessions": a.service.ActiveSessions(),
	})
}

func (a *api) top(c *gin.Context) {
	if !a.rankingEnabled(c) {
		return
	}
	n, ok := intQuery(c, "n", 10)
	if !ok {
		return
	}
	entries, err := a.ranking.TopN(c.Request.Context(), a.scope(c), n)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (a *api) rankOf(c *gin.Context) {
	if !a.rankingEnabled(c) {
		return
	}
	entry, err := a.ranking.RankOf(c.Request.Context(), a.scope(c), c.Param("key"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (a *api) around(c *gin.Context) {
	if !a.rankingEnabled(c) {
		return
	}
	radius, ok := intQuery(c, "radius", 5)
	if !ok {
		return
	}
	entries, err := a.ranking.Around(c.Request.Context(), a.scope(c), c.Param("key"), radius)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// scope resolves the "daily" alias to today's scope; anything else is used verbatim.
func (a *api) scope(c *gin.Context) string {
	if s := c.Param("scope"); s != "daily" {
		return s
	}
	return ranking.DailyScope(a.now())
}

func (a *api) rankingEnabled(c *gin.Context) bool {
	if a.ranking == nil {
		abort(c, cerrors.New(cerrors.CodeUnavailable, cerrors.WithMessagef("ranking store not configured")))
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string, fallback int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		abort(c, cerrors.New(cerrors.CodeInvalidArgument, cerrors.WithMessagef("%s must be a non-negative integer", key)))
		return 0, false
	}
	return v, true
}

func abort(c *gin.Context, err error) {
	e := cerrors.Convert(err)
	if e.Code == cerrors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "http: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", errors.Unwrap(e),
		)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
