package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"atelier/api/internal/app"
	"atelier/api/internal/collab"
	"atelier/api/internal/config"
	"atelier/api/internal/gateway"
	"atelier/api/internal/relay"
	"atelier/api/internal/store"
	"atelier/api/internal/version"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	registry := collab.New(dataStore, cfg.LockTTL)
	versions := version.NewService(dataStore)

	// Cross-instance broadcast relay; optional, single-node works without it.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis relay for cross-instance broadcasts")
		bridge, err := relay.New(cfg.RedisURL, registry)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		bridge.Start(ctx)
		defer bridge.Close()
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go runCleanup(cleanupCtx, registry, cfg.CleanupInterval)

	httpServer := app.NewHTTPServer(versions, registry, dataStore, []byte(cfg.JWTSecret), cfg.CORSOrigin)
	wsServer := gateway.NewServer(registry, []byte(cfg.JWTSecret))

	mux := http.NewServeMux()
	mux.Handle("/ws", http.HandlerFunc(wsServer.HandleWS))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atelier collaboration API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func runCleanup(ctx context.Context, registry *collab.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := registry.Cleanup(ctx)
			if err != nil {
				log.Printf("cleanup: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("cleanup: released %d expired locks", removed)
			}
		}
	}
}
