package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rtsp-gateway/catalog"
	"rtsp-gateway/config"
	"rtsp-gateway/gpu"
	"rtsp-gateway/handlers"
	"rtsp-gateway/logging"
	"rtsp-gateway/metrics"
	"rtsp-gateway/middleware"
	"rtsp-gateway/registry"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if cfg.CIDryRun {
		logger.Info("ci dry run", "go_version", runtime.Version(), "gpu_backend", cfg.GPU.Detected)
		return
	}

	gpuRegistry := gpu.New(cfg.GPU.Detected)
	store := catalog.New(cfg.Store.ConfigPath)
	promMetrics := metrics.New()

	reg, err := registry.New(store, gpuRegistry, promMetrics, logger)
	if err != nil {
		logger.Error("load catalogue", "error", err)
		os.Exit(1)
	}

	router := setupRouter(reg, promMetrics, logger, cfg)

	port := cfg.Server.Port
	if port == "" {
		port = "8000"
	}
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		logger.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(srv, reg, logger)
}

// setupRouter wires the full Gin middleware chain and route table
// (SPEC_FULL.md §4.G), generalized from the teacher's setupRouter
// (camera-CRUD-over-Postgres) to stream-CRUD-over-Registry; the
// localhost CORS allowlist is kept from the teacher verbatim.
func setupRouter(reg *registry.Registry, promMetrics *metrics.Metrics, logger *slog.Logger, cfg *config.Config) *gin.Engine {
	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if origin == "" {
				return true
			}
			return origin == "http://localhost:8080" ||
				origin == "http://localhost:5173" ||
				origin == "http://localhost:3000" ||
				origin == "http://127.0.0.1:8080" ||
				origin == "http://127.0.0.1:5173" ||
				origin == "http://127.0.0.1:3000"
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Requested-With", "Cache-Control", "Pragma", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "Cache-Control", "Pragma", "Expires", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * 3600,
	}))

	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogging(logger, promMetrics))
	router.Use(middleware.RateLimit())

	streamHandler := handlers.NewStreamHandler(reg, cfg.GPU.Required)
	staticHandler := handlers.NewStaticHandler(getEnv("STATIC_DIR", "./web/dist"))

	router.GET("/health", streamHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promMetrics.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api/streams")
	{
		api.GET("", streamHandler.List)
		api.POST("", streamHandler.Create)
		api.POST("/reorder", streamHandler.Reorder)
		api.GET("/gpu-backend", streamHandler.GPUBackend)
		api.GET("/ffmpeg-defaults", streamHandler.FFmpegDefaults)
		api.GET("/:id", streamHandler.Get)
		api.PATCH("/:id", streamHandler.Update)
		api.DELETE("/:id", streamHandler.Delete)
		api.POST("/:id/start", streamHandler.Start)
		api.POST("/:id/stop", streamHandler.Stop)
		api.GET("/:id/mjpeg", streamHandler.MJPEG)
		api.GET("/:id/scores", streamHandler.Scores)
	}

	router.GET("/", staticHandler.ServeSPA)
	router.GET("/*path", staticHandler.ServeSPA)

	return router
}

// waitForShutdown blocks until SIGINT/SIGTERM, then stops every running
// worker and drains in-flight HTTP connections within shutdownGrace.
func waitForShutdown(srv *http.Server, reg *registry.Registry, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range reg.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = reg.Stop(id)
		}(s.ID)
	}
	wg.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
