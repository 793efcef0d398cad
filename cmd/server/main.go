package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"woodshed-sync-server/internal/config"
	"woodshed-sync-server/internal/handler"
	"woodshed-sync-server/internal/merge"
	"woodshed-sync-server/internal/metrics"
	"woodshed-sync-server/internal/middleware"
	"woodshed-sync-server/internal/service"
	"woodshed-sync-server/internal/store"
	"woodshed-sync-server/internal/sync"
	"woodshed-sync-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.Fatalf("Failed to check database existence: %v", err)
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		log.Printf("Created database: %s", cfg.Database.Name)
	}

	entityStore := store.NewCouchEntityStore(client, cfg.Database.Name)
	userStore := store.NewCouchUserStore(client, cfg.Database.Name)

	m := metrics.New()

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.MaxMessageSize,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		m,
	)
	go wsManager.Run()

	resolver := merge.NewResolver()
	registry := sync.NewRegistry(entityStore, resolver, wsManager, m, sync.Options{
		DedupeSize:   cfg.Sync.DedupeSize,
		DedupeTTL:    cfg.Sync.DedupeTTL,
		IdleTTL:      cfg.Sync.CoordinatorIdleTTL,
		ReapInterval: cfg.Sync.CoordinatorReapTick,
	})

	authService := service.NewAuthService(userStore, cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.RefreshTokenExpiration)

	wsMessageHandler := handler.NewWebSocketMessageHandler(registry)
	wsManager.SetMessageHandler(wsMessageHandler)

	authHandler := handler.NewAuthHandler(authService)
	wsHandler := handler.NewWebSocketHandler(wsManager, authService)
	syncHandler := handler.NewSyncHandler(registry, entityStore, wsManager)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/sync/snapshot", syncHandler.Snapshot).Methods("GET", "OPTIONS")
	protected.HandleFunc("/sync/changes", syncHandler.SubmitChange).Methods("POST", "OPTIONS")
	protected.HandleFunc("/sync/sessions", syncHandler.Sessions).Methods("GET", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/metrics", m.Handler()).Methods("GET")
	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting Woodshed Sync Server on %s (env: %s)", addr, cfg.Server.Env)
		log.Printf("Connected to CouchDB at %s:%s", cfg.Database.Host, cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	registry.Stop()

	log.Println("Server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"woodshed-sync-server"}`))
}
