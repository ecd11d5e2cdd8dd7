package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/solana-filter-monitor/internal/engine"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

// RecentMatches is the read side of the live match feed, typically backed
// by Redis.
type RecentMatches interface {
	GetRecentMatches(ctx context.Context, limit int64) ([]*store.Record, error)
}

// Handlers contains all dependencies for API endpoint handlers
type Handlers struct {
	Store   store.MatchReader    // JSONL collection reader
	Cache   RecentMatches        // optional Redis-backed recent matches
	Status  func() engine.Status // engine status snapshot, nil when not embedded
	DevMode bool
	Logger  *logrus.Logger
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health returns a simple health check endpoint
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{OK: true})
}

// EngineStatus reports the monitor's state machine snapshot
func (h *Handlers) EngineStatus(c echo.Context) error {
	if h.Status == nil {
		return h.err(c, http.StatusServiceUnavailable, "engine not attached", nil)
	}
	return c.JSON(http.StatusOK, h.Status())
}

// Recent returns the most recent matches from the live feed cache
func (h *Handlers) Recent(c echo.Context) error {
	if h.Cache == nil {
		return h.err(c, http.StatusServiceUnavailable, "recent match cache not configured", nil)
	}

	limitStr := c.QueryParam("limit")
	limit := 100
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "must be an integer"})
		}
		limit = n
	}
	if limit < 1 || limit > 200 {
		return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 200"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Cache.GetRecentMatches(ctx, int64(limit))
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to get matches", nil)
	}
	return c.JSON(http.StatusOK, MatchesResponse{Items: items})
}

// Collections lists stored collections with record counts
func (h *Handlers) Collections(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	collections, err := h.Store.Collections(ctx)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to list collections", nil)
	}
	return c.JSON(http.StatusOK, CollectionsResponse{Collections: collections})
}

// Collection returns the most recent records of one collection
func (h *Handlers) Collection(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	if err := store.ValidateCollection(name); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid collection name", nil)
	}

	limit := 100
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > 1000 {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 1000"})
		}
		limit = n
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	items, err := h.Store.ReadCollection(ctx, name, limit)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to read collection", nil)
	}
	if items == nil {
		return h.err(c, http.StatusNotFound, "collection not found", nil)
	}
	return c.JSON(http.StatusOK, MatchesResponse{Items: items})
}
