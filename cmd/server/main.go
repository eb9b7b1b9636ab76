package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/paddockview/internal/config"
	apierrors "github.com/stwalsh4118/paddockview/internal/errors"
	"github.com/stwalsh4118/paddockview/internal/handlers"
	"github.com/stwalsh4118/paddockview/internal/logger"
	"github.com/stwalsh4118/paddockview/internal/mapview"
	"github.com/stwalsh4118/paddockview/internal/middleware"
	"github.com/stwalsh4118/paddockview/internal/models"
	"github.com/stwalsh4118/paddockview/internal/repository"
	"github.com/stwalsh4118/paddockview/internal/services"
	"github.com/stwalsh4118/paddockview/internal/sse"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout = 30 * time.Second
	selectTimeout   = 5 * time.Second
	mapContainer    = "paddock-map"

	// Browser clicks are relayed at most clickRate per second.
	clickRate  = 20
	clickBurst = 10
)

func rejectClick(c *gin.Context) {
	apierrors.TooManyRequests(c, "Too many map clicks, slow down")
}

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Env)
	log.Info("Starting Paddock View", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
		"backend":     cfg.Backend.BaseURL,
		"map_enabled": cfg.MapEnabled(),
	})

	// baseCtx outlives requests; cancelling it stops the dashboard loop and
	// closes open event streams.
	baseCtx, stop := context.WithCancel(context.Background())
	defer stop()

	repo := repository.NewFarmRepository(cfg.Backend.BaseURL, cfg.Backend.Timeout, cfg.Backend.IngestTimeout)

	broker := sse.NewManager(log)
	provider := mapview.NewSurfaceProvider(cfg.Map.StyleAPIURL, cfg.Backend.Timeout, broker, log)
	fallback := models.LngLat{cfg.Map.FallbackLng, cfg.Map.FallbackLat}
	renderer := mapview.NewRenderer(provider, mapview.Settings{
		Token:          cfg.Map.Token,
		Style:          cfg.Map.Style,
		Zoom:           cfg.Map.Zoom,
		FillOpacity:    cfg.Map.FillOpacity,
		LineColor:      cfg.Map.LineColor,
		LineWidth:      cfg.Map.LineWidth,
		FallbackCenter: fallback,
	}, log)

	dashboard := services.NewDashboardService(repo, renderer, log)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = dashboard.Run(baseCtx)
	}()

	renderer.OnSelect(func(paddockID string) {
		ctx, cancel := context.WithTimeout(baseCtx, selectTimeout)
		defer cancel()
		if err := dashboard.SelectPaddock(ctx, paddockID); err != nil {
			log.Warn("Map selection rejected", map[string]interface{}{
				"paddock_id": paddockID,
				"error":      err.Error(),
			})
		}
	})
	if err := renderer.Initialize(baseCtx, mapContainer, models.FeatureCollection{}, fallback); err != nil {
		log.Fatal("Failed to initialize map renderer", err, nil)
	}
	if err := dashboard.Activate(baseCtx); err != nil {
		log.Fatal("Failed to activate dashboard", err, nil)
	}

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware in order: RequestID -> Logger -> Recovery -> CORS
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log, "/health", "/health/ready", "/api/v1/map/events"))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORS.Origins))

	healthHandler := handlers.NewHealthHandler(repo, cfg.Server.Env, cfg.MapEnabled())
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/api/v1/info", healthHandler.Info)

	dashboardHandler := handlers.NewDashboardHandler(dashboard)
	mapHandler := handlers.NewMapHandler(renderer, provider, broker, sse.DefaultKeepalive, log)

	v1 := router.Group("/api/v1")
	{
		d := v1.Group("/dashboard")
		{
			d.GET("", dashboardHandler.Get)
			d.POST("/reload", dashboardHandler.Reload)
			d.PUT("/date", dashboardHandler.SelectDate)
			d.PUT("/paddock", dashboardHandler.SelectPaddock)
			d.POST("/pipeline", dashboardHandler.RunPipeline)
			d.DELETE("/error", dashboardHandler.DismissError)
		}

		m := v1.Group("/map")
		{
			m.GET("", mapHandler.View)
			m.GET("/surface", mapHandler.Surface)
			m.GET("/events", mapHandler.Events)
			m.POST("/click", middleware.RateLimit(rate.Limit(clickRate), clickBurst, rejectClick), mapHandler.Click)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Info("Server listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed to start", err, nil)
		}
	}()

	// Wait for interrupt signal (SIGINT or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...", nil)

	// Event streams only end when their context does.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err, map[string]interface{}{
			"timeout": shutdownTimeout.String(),
		})
	}

	<-loopDone
	renderer.Dispose()

	log.Info("Server exited", nil)
}
