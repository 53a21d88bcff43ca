package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"

	"stocknity/models"
	"stocknity/scheduler"
	"stocknity/services/cache"
	"stocknity/services/tracker"
)

// CacheController exposes the cache store and its tracking index
type CacheController struct {
	store     *cache.Store
	tracker   *tracker.Tracker
	scheduler *scheduler.Scheduler
	log       *logger.L
}

// NewCacheController creates a new cache controller
func NewCacheController(store *cache.Store, tr *tracker.Tracker, sched *scheduler.Scheduler, log *logger.L) *CacheController {
	return &CacheController{
		store:     store,
		tracker:   tr,
		scheduler: sched,
		log:       log,
	}
}

// GetStatus returns the freshness of every index/sector combination
// GET /api/v1/cache/status
func (cc *CacheController) GetStatus(c *gin.Context) {
	statuses, err := cc.scheduler.CacheStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	counts := map[string]int{}
	for _, s := range statuses {
		counts[s.State]++
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    statuses,
		"summary": counts,
		"total":   len(statuses),
	})
}

// GetInfo returns the tracking summary
// GET /api/v1/cache/info
func (cc *CacheController) GetInfo(c *gin.Context) {
	summary, err := cc.tracker.Summary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// GetTracking returns every tracked entry
// GET /api/v1/cache/tracking
func (cc *CacheController) GetTracking(c *gin.Context) {
	entries, err := cc.tracker.Entries(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	pending, err := cc.tracker.Pending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    entries,
		"pending": pending,
		"total":   len(entries),
	})
}

// GetAPICalls returns the most recent upstream calls
// GET /api/v1/cache/api-calls?limit=50
func (cc *CacheController) GetAPICalls(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 1000 {
		limit = 50
	}

	calls, err := cc.tracker.RecentAPICalls(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": calls, "total": len(calls)})
}

// ClearTracking drops the tracking index, leaving payloads in place
// POST /api/v1/cache/tracking/clear
func (cc *CacheController) ClearTracking(c *gin.Context) {
	if err := cc.tracker.Clear(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	cc.log.Infof("tracking index cleared by %s", c.GetString("operator"))
	c.JSON(http.StatusOK, gin.H{"message": "Tracking data cleared"})
}

// GetEntry returns the payload under key, falling back to an expired copy
// GET /api/v1/cache/:key
func (cc *CacheController) GetEntry(c *gin.Context) {
	key := c.Param("key")
	ctx := c.Request.Context()

	payload, ok, err := cc.store.Get(ctx, key)
	if err != nil {
		respondError(c, err)
		return
	}
	stale := false
	if !ok {
		payload, ok, err = cc.store.GetAnyAge(ctx, key)
		if err != nil {
			respondError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Cache entry not found"})
			return
		}
		stale = true
	}

	if err := cc.tracker.TrackAccess(ctx, key); err != nil {
		cc.log.Warnf("Warning: could not track access to %s: %v", key, err)
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"stale": stale,
		"data":  rawJSON(payload),
	})
}

// ExtendRequest widens the freshness window of a key
type ExtendRequest struct {
	Key        string `json:"key" binding:"required"`
	ExtraHours int    `json:"extra_hours" binding:"required"`
}

// Extend widens the freshness window of one entry
// POST /api/v1/cache/extend
func (cc *CacheController) Extend(c *gin.Context) {
	var req ExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, _, ok := models.ParseKey(req.Key); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown cache key format"})
		return
	}

	if err := cc.store.ExtendTTL(c.Request.Context(), req.Key, time.Duration(req.ExtraHours)*time.Hour); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "TTL extended",
		"key":         req.Key,
		"extra_hours": req.ExtraHours,
	})
}
