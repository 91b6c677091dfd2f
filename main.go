package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/sokanacollectiveCRM/backend-sub000/config"
	"github.com/sokanacollectiveCRM/backend-sub000/handler"
	"github.com/sokanacollectiveCRM/backend-sub000/middleware"
	"github.com/sokanacollectiveCRM/backend-sub000/pkg/logger"
	"github.com/sokanacollectiveCRM/backend-sub000/service"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Object storage
	storageSvc, err := service.NewStorageService(&cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize storage service", "error", err)
		os.Exit(1)
	}
	if err := storageSvc.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure storage bucket", "error", err)
		os.Exit(1)
	}

	// Relational records
	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	records := service.NewRecordsStore(db)

	// Core services
	registry, err := service.NewTemplateRegistry(cfg.Templates)
	if err != nil {
		slog.Error("failed to build template registry", "error", err)
		os.Exit(1)
	}
	pdfKit := service.NewPDFKit()
	converterSvc := service.NewConverterService(&cfg.Converter, pdfKit)
	esignSvc := service.NewEsignService(&cfg.Esign)
	coordStore := service.NewCoordinateStore()
	sessionStore := service.NewSessionStore()
	calibrator := service.NewCalibrator(coordStore, storageSvc, pdfKit)

	pipeline := service.NewPipeline(
		registry,
		service.NewVariableMapper(),
		service.NewTemplateRenderer(),
		converterSvc,
		esignSvc,
		storageSvc,
		coordStore,
		sessionStore,
		records,
		pdfKit,
	)

	// Handlers
	authHandler := handler.NewAuthHandler(cfg)
	contractHandler := handler.NewContractHandler(pipeline)
	calibrationHandler := handler.NewCalibrationHandler(coordStore, calibrator)
	webhookHandler := handler.NewWebhookHandler(esignSvc, pipeline)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimit(100, time.Minute))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Public routes
	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
		api.POST("/esign/webhook", webhookHandler.HandleEvent)
	}

	// Staff routes
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.POST("/contracts/:id/generate", contractHandler.Generate)
		protected.GET("/contracts", contractHandler.List)
		protected.GET("/contracts/:id", contractHandler.Get)
		protected.GET("/contracts/:id/status", contractHandler.GetStatus)
		protected.POST("/contracts/:id/poll", contractHandler.Poll)

		protected.GET("/templates/:id/coordinates", calibrationHandler.GetMap)
		protected.GET("/templates/:id/coordinates/versions", calibrationHandler.ListVersions)
		protected.POST("/templates/:id/coordinates/probe", calibrationHandler.Probe)
		protected.POST("/templates/:id/coordinates", calibrationHandler.Commit)
		protected.POST("/templates/:id/coordinates/rollback", calibrationHandler.Rollback)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}
