package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncpad/internal/api"
	"syncpad/internal/cache"
	"syncpad/internal/config"
	"syncpad/internal/db"
	"syncpad/internal/reconciler"
	"syncpad/internal/relay"
	"syncpad/internal/repository"
	"syncpad/internal/telemetry"
)

func main() {
	log.Println("Starting syncpad server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Tracing first so every later init is covered.
	jaegerShutdown, err := telemetry.InitJaeger("syncpad", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	docCache, err := cache.New(context.Background(), cfg.RedisAddr, cfg.CacheTTL, 5*time.Second)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer docCache.Close()

	docRepo := repository.NewDocumentRepository(database.DB)

	saver := reconciler.New(docRepo, docCache, reconciler.Config{
		Debounce: cfg.SaveDebounce,
	})

	hub := relay.NewHub(saver, relay.Config{
		PresenceTimeout: cfg.PresenceTimeout,
	})
	hub.Start()

	wsHandler := relay.NewWebSocketHandler(hub)
	handler := api.NewHandler(saver, docRepo, hub)
	router := api.SetupRoutes(handler, wsHandler)

	addr := cfg.ServerAddr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✓ Server listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Drain save status events so autosave failures reach the logs.
	go func() {
		for event := range saver.Events() {
			if event.Status == reconciler.StatusError {
				log.Printf("save failed for %s: %v", event.DocumentID, event.Err)
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}

	// Rooms close before the reconciler flushes so no edit arrives after
	// the final save.
	hub.Shutdown()
	saver.Stop()

	log.Println("✓ Server shutdown complete")
}
