package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/datafetcher"
	"stocknity/services/history"
	"stocknity/services/ratelimit"
	"stocknity/services/snapshot"
)

// SourceController reports on the upstream sources
type SourceController struct {
	fetcher  *datafetcher.DataFetcher
	limiter  *ratelimit.Limiter
	history  *history.Store
	snapshot *snapshot.Store
}

// NewSourceController creates a new source controller. history and
// snapshots may be nil when those stores are not configured.
func NewSourceController(f *datafetcher.DataFetcher, l *ratelimit.Limiter, h *history.Store, s *snapshot.Store) *SourceController {
	return &SourceController{fetcher: f, limiter: l, history: h, snapshot: s}
}

// GetSources lists the registered sources and their throttling state
// GET /api/v1/sources
func (sc *SourceController) GetSources(c *gin.Context) {
	registered := map[models.DataType][]string{}
	for _, dataType := range []models.DataType{
		models.DataTypeScreenerRows,
		models.DataTypeTimeSeriesReturns,
		models.DataTypeSectorAverages,
		models.DataTypeDerivedScore,
	} {
		registered[dataType] = sc.fetcher.Sources(dataType)
	}
	c.JSON(http.StatusOK, gin.H{
		"sources":     registered,
		"rate_limits": sc.limiter.Snapshot(),
	})
}

// GetHistory returns per-source call statistics from the durable history
// GET /api/v1/sources/history?hours=24
func (sc *SourceController) GetHistory(c *gin.Context) {
	if sc.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "API call history not configured"})
		return
	}
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours < 1 {
		hours = 24
	}

	stats, err := sc.history.StatsSince(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats, "hours": hours})
}

// GetSnapshots lists the payloads mirrored to MongoDB
// GET /api/v1/sources/snapshots
func (sc *SourceController) GetSnapshots(c *gin.Context) {
	if sc.snapshot == nil {
		respondError(c, fault.ErrSnapshotDisabled)
		return
	}
	docs, err := sc.snapshot.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   docs,
		"total":  len(docs),
		"status": sc.snapshot.Status(),
	})
}
