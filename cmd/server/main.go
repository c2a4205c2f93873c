package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/optionclear/custody/internal/api"
	"github.com/optionclear/custody/internal/auth"
	"github.com/optionclear/custody/internal/config"
	"github.com/optionclear/custody/internal/engine"
	"github.com/optionclear/custody/internal/ledger/postgres"
	"github.com/optionclear/custody/internal/logger"
	"github.com/optionclear/custody/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*wsClient]bool)
	clientsMu sync.RWMutex
)

// broadcastSettlementQueue pushes the set of contracts awaiting settlement
// to every connected client.
func broadcastSettlementQueue(ctx context.Context, eng *engine.Engine, zlog *zap.Logger) {
	refs, err := eng.Store().ExercisedRefs(ctx)
	if err != nil {
		zlog.Warn("failed to load settlement queue", zap.Error(err))
		return
	}
	if refs == nil {
		refs = []models.ContractRef{}
	}
	data, err := json.Marshal(struct {
		PendingSettlement []models.ContractRef `json:"pending_settlement"`
	}{refs})
	if err != nil {
		zlog.Warn("failed to marshal settlement queue", zap.Error(err))
		return
	}

	clientsMu.RLock()
	defer clientsMu.RUnlock()
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			zlog.Debug("dropping websocket client", zap.Error(err))
			go removeClient(client)
		}
	}
}

func removeClient(client *wsClient) {
	clientsMu.Lock()
	delete(clients, client)
	clientsMu.Unlock()
	client.conn.Close()
}

func handleWebSocket(eng *engine.Engine, zlog *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			zlog.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &wsClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		broadcastSettlementQueue(r.Context(), eng, zlog)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				removeClient(client)
				break
			}
		}
	}
}

// Main entry point: wires config, ledger, engine, auth, HTTP server and the
// settlement sweeper.
func main() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	store, err := postgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	eng := engine.New(store, zlog)
	authService := auth.New(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(eng, authService, zlog)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Settlement-queue stream.
	r.Get("/ws", handleWebSocket(eng, zlog))

	// Public endpoints.
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)

	// Protected endpoints (require JWT).
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/accounts", handler.InitializeAccount)
		r.Post("/escrow", handler.InitializeEscrow)
		r.Post("/escrow/deposit", handler.Deposit)
		r.Post("/escrow/withdraw", handler.Withdraw)
		r.Get("/escrow", handler.GetEscrow)
		r.Post("/contracts", handler.CreateContract)
		r.Get("/contracts", handler.ListContracts)
		r.Post("/contracts/{buyer}/{seller}/{seq}/exercise", handler.Exercise)
		r.Post("/contracts/{buyer}/{seller}/{seq}/settle", handler.Settle)
	})

	// Settlement is permissionless; the sweeper just nudges anything due.
	if cfg.Sweeper.Enabled {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Sweeper.Schedule, func() {
			n, err := eng.SettleDue(ctx)
			if err != nil {
				zlog.Warn("settlement sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				zlog.Info("settlement sweep", zap.Int("settled", n))
			}
		}); err != nil {
			zlog.Fatal("invalid sweeper schedule", zap.Error(err))
		}
		c.Start()
		defer c.Stop()
	}

	go func() {
		ticker := time.NewTicker(cfg.Server.BroadcastInterval)
		for range ticker.C {
			broadcastSettlementQueue(ctx, eng, zlog)
		}
	}()

	zlog.Info("starting server", zap.String("addr", cfg.Server.HTTPAddr))
	if err := http.ListenAndServe(cfg.Server.HTTPAddr, r); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
}
