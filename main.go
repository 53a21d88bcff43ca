package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stocknity/config"
	"stocknity/routes"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialise(cfg.LoggerConfiguration()); err != nil {
		fmt.Fprintf(os.Stderr, "logger initialise error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Finalise()

	log := logger.New("main")
	log.Info("==============================================")
	log.Info("  Stocknity cache service - Starting...")
	log.Info("==============================================")

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application := newApp(ctx, cfg)

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(requestLogger(logger.New("http")))

	setupHealthEndpoints(router, application)
	routes.SetupRoutes(router, application.services(), routes.Auth{
		JWTSecret:         cfg.JWTSecret,
		APIKeyHash:        cfg.APIKeyHash,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}, logger.New("api"))

	if cfg.JWTSecret == "" && cfg.APIKeyHash == "" {
		log.Warn("Warning: neither OPS_JWT_SECRET nor OPS_API_KEY_HASH is set; operator routes will refuse every request")
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Infof("server listening on 0.0.0.0:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Criticalf("server error: %v", err)
			os.Exit(1)
		}
	}()

	if err := application.start(ctx); err != nil {
		log.Errorf("ERROR: scheduler start failed: %v", err)
	}
	log.Info("application fully initialized")

	gracefulShutdown(server, application, cancel, log)
}

// setupHealthEndpoints sets up the probes and the metrics endpoint
func setupHealthEndpoints(router *gin.Engine, a *app) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Stocknity cache service",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks the backend and the archive database
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := a.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ready",
			"workers":    a.pool.Stats(),
			"ws_clients": a.hub.ClientCount(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (allowAll || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger(log *logger.L) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for probes to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Warnf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		} else {
			log.Debugf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, a *app, cancel context.CancelFunc, log *logger.L) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	log.Infof("received signal %v, shutting down gracefully...", sig)

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	// Stop accepting requests before the workers go away
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("ERROR: server forced to shutdown: %v", err)
	}

	cancel()
	a.stop()

	log.Info("server shutdown completed")
}
