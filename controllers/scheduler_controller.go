package controllers

import (
	"net/http"

	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"

	"stocknity/models"
	"stocknity/scheduler"
)

// SchedulerController triggers and reports scheduled work
type SchedulerController struct {
	scheduler *scheduler.Scheduler
	log       *logger.L
}

// NewSchedulerController creates a new scheduler controller
func NewSchedulerController(sched *scheduler.Scheduler, log *logger.L) *SchedulerController {
	return &SchedulerController{scheduler: sched, log: log}
}

// Refresh queues a refresh of one combination, or of everything when the
// body is empty
// POST /api/v1/scheduler/refresh
func (sc *SchedulerController) Refresh(c *gin.Context) {
	var dims models.Dimensions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&dims); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := sc.scheduler.ManualRefresh(c.Request.Context(), dims)
	if err != nil {
		respondError(c, err)
		return
	}
	sc.log.Infof("manual refresh by %s queued %d tasks", c.GetString("operator"), result.Enqueued)
	c.JSON(http.StatusAccepted, gin.H{"data": result})
}

// ForceRefresh clears the cache and queues every combination as urgent
// POST /api/v1/scheduler/force-refresh
func (sc *SchedulerController) ForceRefresh(c *gin.Context) {
	result, err := sc.scheduler.ForceRefreshAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	sc.log.Warnf("Warning: force refresh by %s cleared %d keys", c.GetString("operator"), result.Cleared)
	c.JSON(http.StatusAccepted, gin.H{"data": result})
}

// GetStatus returns the triggers and the last health report
// GET /api/v1/scheduler/status
func (sc *SchedulerController) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": sc.scheduler.Status(c.Request.Context())})
}
