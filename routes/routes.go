package routes

import (
	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"

	"stocknity/controllers"
	"stocknity/middleware"
	"stocknity/scheduler"
	"stocknity/services/cache"
	"stocknity/services/datafetcher"
	"stocknity/services/events"
	"stocknity/services/history"
	"stocknity/services/queue"
	"stocknity/services/ratelimit"
	"stocknity/services/snapshot"
	"stocknity/services/tracker"
)

// Services are the components the ops API serves
type Services struct {
	Store     *cache.Store
	Tracker   *tracker.Tracker
	Fetcher   *datafetcher.DataFetcher
	Queue     *queue.Queue
	Pool      *queue.WorkerPool
	Scheduler *scheduler.Scheduler
	Hub       *events.Hub
	Limiter   *ratelimit.Limiter
	History   *history.Store
	Snapshots *snapshot.Store
}

// Auth configures the operator guard on mutating routes
type Auth struct {
	JWTSecret         string
	APIKeyHash        string
	RequestsPerMinute int
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, svc Services, auth Auth, log *logger.L) {
	// Initialize controllers
	cacheController := controllers.NewCacheController(svc.Store, svc.Tracker, svc.Scheduler, log)
	taskController := controllers.NewTaskController(svc.Queue, svc.Pool)
	schedulerController := controllers.NewSchedulerController(svc.Scheduler, log)
	fetchController := controllers.NewFetchController(svc.Fetcher)
	sourceController := controllers.NewSourceController(svc.Fetcher, svc.Limiter, svc.History, svc.Snapshots)

	limiter := middleware.NewClientRateLimiter(auth.RequestsPerMinute)
	opsAuth := middleware.OpsAuth(auth.JWTSecret, auth.APIKeyHash, log)
	guarded := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return []gin.HandlerFunc{limiter.Middleware(), opsAuth, h}
	}

	// API v1 group
	api := router.Group("/api/v1")
	{
		// Cache routes
		cacheRoutes := api.Group("/cache")
		{
			cacheRoutes.GET("/status", cacheController.GetStatus)
			cacheRoutes.GET("/info", cacheController.GetInfo)
			cacheRoutes.GET("/tracking", cacheController.GetTracking)
			cacheRoutes.GET("/api-calls", cacheController.GetAPICalls)
			cacheRoutes.POST("/tracking/clear", guarded(cacheController.ClearTracking)...)
			cacheRoutes.POST("/extend", guarded(cacheController.Extend)...)
			cacheRoutes.GET("/:key", cacheController.GetEntry)
		}

		// Task routes
		tasks := api.Group("/tasks")
		{
			tasks.GET("/stats", taskController.GetStats)
			tasks.GET("/failed", taskController.GetFailed)
			tasks.GET("/:id", taskController.GetTask)
		}

		// Scheduler routes
		sched := api.Group("/scheduler")
		{
			sched.GET("/status", schedulerController.GetStatus)
			sched.POST("/refresh", guarded(schedulerController.Refresh)...)
			sched.POST("/force-refresh", guarded(schedulerController.ForceRefresh)...)
		}

		// Source routes
		sources := api.Group("/sources")
		{
			sources.GET("", sourceController.GetSources)
			sources.GET("/history", sourceController.GetHistory)
			sources.GET("/snapshots", sourceController.GetSnapshots)
		}

		api.POST("/fetch", guarded(fetchController.Fetch)...)
	}

	// Event stream
	if svc.Hub != nil {
		router.GET("/ws/events", gin.WrapF(svc.Hub.HandleWebSocket))
	}
}
