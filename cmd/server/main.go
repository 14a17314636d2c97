package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/contacts"
	"chatsync/internal/database"
	"chatsync/internal/handlers"
	"chatsync/internal/presence"
	"chatsync/internal/services"
	"chatsync/internal/session"
	"chatsync/internal/unread"
	"chatsync/internal/websocket"
	"chatsync/internal/workerpool"
	"chatsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to prepare database schema: %v", err)
	}

	nodeID := uuid.NewString()
	presenceRegistry := presence.NewRegistry()

	// Optional presence observers
	var (
		redisClient *redis.Client
		mirror      *presence.RedisMirror
		observers   *workerpool.Pool
		nc          *nats.Conn
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		observers = workerpool.New("presence-mirror", cfg.Observer.Workers, cfg.Observer.QueueSize)
		defer observers.Shutdown()

		mirror = presence.NewRedisMirror(redisClient, nodeID, cfg.Redis.PresenceTTL, observers)
		if err := mirror.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable at %s: %v", cfg.Redis.Addr, err)
		}
		presenceRegistry.Subscribe(mirror)
		go mirror.RunRefresh(ctx, presenceRegistry)
		logger.Info("Presence mirrored to Redis at %s", cfg.Redis.Addr)
	}

	if cfg.NATS.URL != "" {
		nc, err = presence.Connect(cfg.NATS.URL, "chatsync-"+nodeID, cfg.NATS.MaxReconnects,
			nats.ReconnectWait(cfg.NATS.ReconnectWait))
		if err != nil {
			logger.Warn("Failed to connect to NATS at %s, presence events disabled: %v", cfg.NATS.URL, err)
		} else {
			defer nc.Close()
			presenceRegistry.Subscribe(presence.NewNATSPublisher(nc, nodeID))
			logger.Info("Presence events published to NATS at %s", cfg.NATS.URL)
		}
	}

	// Initialize services
	authService := auth.NewService(db, cfg)
	contactService := services.NewContactService(db)

	var source contacts.Source = contactService
	if cfg.Contacts.APIURL != "" {
		source = contacts.NewHTTPSource(cfg.Contacts.APIURL, &http.Client{Timeout: cfg.Contacts.FetchTimeout})
		logger.Info("Contacts fetched from %s", cfg.Contacts.APIURL)
	}
	contactCache := contacts.NewCache(source, presenceRegistry, cfg.Contacts.FetchTimeout)

	// Initialize the session gateway
	gateway := websocket.NewGateway(presenceRegistry, unread.NewRegistry(), contactService, cfg.WebSocket, session.Limits{
		MaxParticipants: cfg.Session.MaxParticipants,
		MaxBufferBytes:  cfg.Session.MaxBufferBytes,
	})

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	contactHandlers := handlers.NewContactHandlers(contactService, contactCache, presenceRegistry, mirror, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, gateway)
	healthHandlers := handlers.NewHealthHandlers(db, redisClient, nc, gateway, gateway.Sessions(), presenceRegistry)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, contactHandlers, wsHandlers, healthHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("🚀 Server started on http://localhost%s (node %s)", cfg.Server.Port, nodeID)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}
	gateway.Shutdown()
	cancel()
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, contactHandlers *handlers.ContactHandlers, wsHandlers *handlers.WebSocketHandlers, healthHandlers *handlers.HealthHandlers) {
	// Auth routes
	mux.HandleFunc("POST /login", authHandlers.Login)
	mux.HandleFunc("POST /register", authHandlers.Register)

	// Contact routes
	mux.HandleFunc("GET /api/contact/get-dm-list", contactHandlers.GetDMList)
	mux.HandleFunc("GET /api/groups", contactHandlers.GetGroups)
	mux.HandleFunc("GET /api/contacts", contactHandlers.GetContacts)
	mux.HandleFunc("GET /api/messages", contactHandlers.GetMessages)
	mux.HandleFunc("GET /api/presence/{userID}", contactHandlers.GetPresence)

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)

	mux.Handle("GET /health", healthHandlers)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", handlers.DegradedHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /login")
	logger.Info("   POST /register")
	logger.Info("   GET  /api/contact/get-dm-list")
	logger.Info("   GET  /api/groups")
	logger.Info("   GET  /api/contacts")
	logger.Info("   GET  /api/messages?conversation_id=")
	logger.Info("   GET  /api/presence/{userID}")
	logger.Info("   GET  /health")
}
