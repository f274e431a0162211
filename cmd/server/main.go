// Package main - ChannelHub application entry point.
// Wires adapters into core services following Hexagonal Architecture.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"channelhub/internal/adapters/gateway"
	"channelhub/internal/adapters/handler"
	"channelhub/internal/adapters/repository"
	"channelhub/internal/adapters/websocket"
	"channelhub/internal/config"
	"channelhub/internal/core/services"
)

const version = "1.0.0"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	fmt.Println("=== ChannelHub - Platform Connection Service ===")

	// 1. Load configuration from environment
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Config loaded (DB: %s@%s:%d, Redis: %s, providers: %d)\n",
		cfg.DB.User, cfg.DB.Host, cfg.DB.Port, cfg.Redis.Addr, len(cfg.Providers))

	// 2. Connect to MariaDB with retry logic
	// Docker containers may not be ready immediately, so we retry
	db := connectMariaDB(cfg.DB, 5, 2*time.Second)
	defer db.Close()
	fmt.Println("MariaDB connection established")

	// 3. Connect to Redis with retry logic
	rdb := connectRedis(cfg.Redis, 5, 2*time.Second)
	defer rdb.Close()
	fmt.Println("Redis connection established")

	// 4. Repository adapters (implementing ports)
	store := repository.NewMariaDBRepository(db)
	cache := repository.NewRedisCache(rdb)

	// 5. Provider clients
	providers := gateway.NewRegistry(cfg.Providers)

	// 6. Event hub for dashboard push
	hub := websocket.NewEventHub()
	go hub.Run()

	// 7. Core services (business logic)
	authorizer := services.NewAuthorizer(store, store, providers, cfg.App.RedirectURI, cfg.App.HandshakeTTL)
	refresher := services.NewRefresher(store, providers, cache, cfg.App.RefreshThreshold)
	ingestor := services.NewIngestor(store, store, store, cache, providers, refresher, hub)
	dispatcher := services.NewDispatcher(store, store, ingestor)

	// 8. Background maintenance
	purger := services.NewPurger(store, store)
	go purger.Run(context.Background())

	// 9. HTTP handlers
	connectionHandler := handler.NewConnectionHandler(authorizer, ingestor, store, cfg.App.UIBase)
	webhookHandler := handler.NewWebhookHandler(dispatcher, cfg.Providers)
	dashboardHandler := handler.NewDashboardHandler(store, store, store, version)

	fmt.Println("Services initialized")

	startHTTPServer(cfg.App.Port, connectionHandler, webhookHandler, dashboardHandler, hub)
}

// connectMariaDB attempts to connect to MariaDB with retry logic.
func connectMariaDB(cfg config.DBConfig, maxRetries int, retryDelay time.Duration) *sql.DB {
	dsn := cfg.GetDSN()

	var db *sql.DB
	var err error

	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			log.Printf("  Attempt %d/%d: Failed to configure DB driver: %v", i, maxRetries, err)
			time.Sleep(retryDelay)
			continue
		}

		if err = db.Ping(); err == nil {
			return db
		}

		log.Printf("  Attempt %d/%d: Cannot ping MariaDB: %v", i, maxRetries, err)
		db.Close()

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Cannot connect to MariaDB after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}

// connectRedis attempts to connect to Redis with retry logic.
func connectRedis(cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})

	ctx := context.Background()
	var err error

	for i := 1; i <= maxRetries; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb
		}

		log.Printf("  Attempt %d/%d: Cannot ping Redis: %v", i, maxRetries, err)

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Cannot connect to Redis after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}

// startHTTPServer registers routes and blocks serving.
func startHTTPServer(
	port int,
	connections *handler.ConnectionHandler,
	webhooks *handler.WebhookHandler,
	dashboard *handler.DashboardHandler,
	hub *websocket.EventHub,
) {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"code":200,"message":"ChannelHub is running"}`)
	})

	// Connection lifecycle
	mux.HandleFunc("POST /connections/{provider}/initiate", connections.HandleInitiate)
	mux.HandleFunc("GET /connections/{provider}/callback", connections.HandleCallback)
	mux.HandleFunc("POST /connections/{id}/revoke", connections.HandleRevoke)
	mux.HandleFunc("POST /connections/{id}/messages", connections.HandleSend)
	mux.HandleFunc("POST /connections/{id}/sync", connections.HandleSync)
	mux.HandleFunc("GET /connections", connections.HandleList)

	// Provider webhooks
	mux.HandleFunc("GET /webhook/{provider}", webhooks.HandleVerify)
	mux.HandleFunc("POST /webhook/{provider}", webhooks.HandleEvent)

	// Dashboard APIs
	mux.HandleFunc("GET /api/conversations", dashboard.HandleConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", dashboard.HandleConversationMessages)
	mux.HandleFunc("POST /api/conversations/{id}/read", dashboard.HandleMarkRead)
	mux.HandleFunc("GET /api/analytics", dashboard.HandleAnalytics)
	mux.HandleFunc("GET /api/system/metrics", dashboard.HandleSystemMetrics)
	mux.HandleFunc("GET /api/status", dashboard.HandleStatus)

	// Real-time inbox events
	mux.HandleFunc("GET /ws/events", hub.ServeWS)

	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("[HTTP] Server listening on %s\n", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
