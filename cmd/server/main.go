package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/medvision-api/internal/cleanup"
	"github.com/Brownie44l1/medvision-api/internal/config"
	"github.com/Brownie44l1/medvision-api/internal/database"
	"github.com/Brownie44l1/medvision-api/internal/handlers"
	"github.com/Brownie44l1/medvision-api/internal/logger"
	"github.com/Brownie44l1/medvision-api/internal/metrics"
	"github.com/Brownie44l1/medvision-api/internal/model"
	"github.com/Brownie44l1/medvision-api/internal/mqtt"
	"github.com/Brownie44l1/medvision-api/internal/preprocess"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("MEDVISION_CONFIG"), "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}
	defer logger.Close()
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Infof("Loading model from: %s", cfg.Model.BackbonePath)
	modelServer, err := model.NewServer(model.Config{
		BackbonePath:   cfg.Model.BackbonePath,
		MetadataPath:   cfg.Model.MetadataPath,
		HeadPath:       cfg.Model.HeadPath,
		OnnxRuntimeLib: cfg.Model.OnnxRuntimeLib,
		Seed:           cfg.Model.Seed,
	})
	if err != nil {
		log.Fatalf("Failed to initialize model server: %v", err)
	}
	defer modelServer.Close()

	interpolation, err := preprocess.ParseInterpolation(cfg.Model.Interpolation)
	if err != nil {
		log.Warnf("%v, using nearest", err)
	}

	var store *database.Store
	if cfg.DB.File != "" {
		db, err := database.Open(cfg.DB.File)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer database.Close(db)
		store = database.NewStore(db)
		log.Infof("Analysis history stored in %s", cfg.DB.File)
	} else {
		log.Info("Analysis history is disabled.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanupService := cleanup.NewService(store, cfg.Cleanup.RetentionDays, cfg.Server.UploadDir, cfg.Cleanup.Interval)
	if cleanupService != nil {
		cleanupService.Start(ctx)
		defer cleanupService.Stop()
	}

	publisher, err := mqtt.NewPublisher(cfg.MQTT)
	if err != nil {
		log.Warnf("Failed to initialize MQTT publisher: %v. Continuing without MQTT.", err)
		publisher = nil
	}
	defer publisher.Close()

	m := metrics.New()
	handler := handlers.NewHandler(modelServer, store, m, publisher, handlers.Options{
		UploadDir:      cfg.Server.UploadDir,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Version:        cfg.Server.Version,
		Interpolation:  interpolation,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handlers.NewRouter(handler, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	info := modelServer.Info()
	log.Infof("Server starting on %s", srv.Addr)
	log.Infof("Backbone: %s, head: %s, degraded: %t", info.Backbone, info.HeadSource, info.Degraded)
	log.Infof("Classes: %v", info.Classes)
	log.Info("Endpoints:")
	log.Info("  GET  /         - Service info")
	log.Info("  GET  /health   - Health check")
	log.Info("  POST /predict  - Predict from chest X-ray upload (field 'file')")
	log.Info("  GET  /status   - Model and system status")
	log.Info("  GET  /analyses - Analysis history")
	log.Info("  GET  /metrics  - Prometheus metrics")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Errorf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Graceful shutdown failed: %v", err)
		}
	}
	log.Info("Server stopped.")
}
