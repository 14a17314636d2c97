package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

type HealthStatus struct {
	Service     string `json:"service"`
	Database    string `json:"database"`
	Redis       string `json:"redis"`
	NATS        string `json:"nats"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	OnlineUsers int    `json:"online_users"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Counter interface {
	Count() int
}

type HealthHandlers struct {
	db          Pinger
	redisClient *redis.Client
	nc          *nats.Conn
	connections Counter
	sessions    Counter
	online      Counter
}

// NewHealthHandlers accepts nil Redis and NATS clients; they report "not configured".
func NewHealthHandlers(db Pinger, redisClient *redis.Client, nc *nats.Conn, connections, sessions, online Counter) *HealthHandlers {
	return &HealthHandlers{
		db:          db,
		redisClient: redisClient,
		nc:          nc,
		connections: connections,
		sessions:    sessions,
		online:      online,
	}
}

func (h *HealthHandlers) Check(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := &HealthStatus{Service: "chatsync"}

	if err := h.db.Ping(ctx); err == nil {
		status.Database = "connected"
	} else {
		status.Database = "disconnected"
	}

	switch {
	case h.redisClient == nil:
		status.Redis = "not configured"
	case h.redisClient.Ping(ctx).Err() == nil:
		status.Redis = "connected"
	default:
		status.Redis = "disconnected"
	}

	switch {
	case h.nc == nil:
		status.NATS = "not configured"
	case h.nc.IsConnected():
		status.NATS = "connected"
	default:
		status.NATS = "disconnected"
	}

	status.Connections = h.connections.Count()
	status.Sessions = h.sessions.Count()
	status.OnlineUsers = h.online.Count()
	return status
}

// ServeHTTP reports 503 when the database is unreachable.
func (h *HealthHandlers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Database != "connected" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}
