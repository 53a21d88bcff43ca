package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stocknity/services/queue"
)

// TaskController reports on the task queue
type TaskController struct {
	queue *queue.Queue
	pool  *queue.WorkerPool
}

// NewTaskController creates a new task controller
func NewTaskController(q *queue.Queue, pool *queue.WorkerPool) *TaskController {
	return &TaskController{queue: q, pool: pool}
}

// GetStats returns queue depth per state and the worker counters
// GET /api/v1/tasks/stats
func (tc *TaskController) GetStats(c *gin.Context) {
	stats, err := tc.queue.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":   stats,
		"workers": tc.pool.Stats(),
	})
}

// GetFailed lists tasks that used up their retries
// GET /api/v1/tasks/failed
func (tc *TaskController) GetFailed(c *gin.Context) {
	tasks, err := tc.queue.Failed(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tasks, "total": len(tasks)})
}

// GetTask returns one task
// GET /api/v1/tasks/:id
func (tc *TaskController) GetTask(c *gin.Context) {
	task, err := tc.queue.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": task})
}
