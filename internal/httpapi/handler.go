// Package httpapi exposes the cache query service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"schedcache/internal/cache"
	"schedcache/internal/models"
)

// EventService is the part of cache.Service the API serves.
type EventService interface {
	GetEvents(ctx context.Context, r models.DateRange, scope models.Scope) ([]models.Event, error)
	GetCacheStatus(ctx context.Context, r models.DateRange, scope models.Scope) (cache.CacheStatus, error)
}

// Pinger reports store health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Service EventService
	Store   Pinger
	Logger  *slog.Logger
}

// NewEngine builds a gin engine with the API routes registered.
func NewEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	h.Register(engine)
	return engine
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	v1 := r.Group("/v1")
	v1.GET("/events", h.events)
	v1.GET("/cache/status", h.status)
}

func (h *Handler) health(c *gin.Context) {
	if h.Store != nil {
		if err := h.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) events(c *gin.Context) {
	r, scope, ok := parseQuery(c)
	if !ok {
		return
	}
	events, err := h.Service.GetEvents(c.Request.Context(), r, scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) status(c *gin.Context) {
	r, scope, ok := parseQuery(c)
	if !ok {
		return
	}
	st, err := h.Service.GetCacheStatus(c.Request.Context(), r, scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func parseQuery(c *gin.Context) (models.DateRange, models.Scope, bool) {
	r, err := models.ParseDateRange(c.Query("start"), c.Query("end"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.DateRange{}, models.Scope{}, false
	}
	if !r.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": cache.ErrInvalidRange.Error()})
		return models.DateRange{}, models.Scope{}, false
	}
	scope, err := models.ParseScope(c.Query("scope"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.DateRange{}, models.Scope{}, false
	}
	return r, scope, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cache.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		if h.Logger != nil {
			h.Logger.Error("Request failed", "path", c.Request.URL.Path, "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
