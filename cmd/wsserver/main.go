package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trackfast/support-chat/internal/api"
	"github.com/trackfast/support-chat/internal/auth"
	"github.com/trackfast/support-chat/internal/chat"
	"github.com/trackfast/support-chat/internal/config"
	"github.com/trackfast/support-chat/internal/gateway"
	"github.com/trackfast/support-chat/internal/messaging"
	"github.com/trackfast/support-chat/internal/metrics"
	"github.com/trackfast/support-chat/internal/presence"
	"github.com/trackfast/support-chat/internal/ratelimit"
	"github.com/trackfast/support-chat/internal/realtime"
	"github.com/trackfast/support-chat/internal/storage/postgres"
	"github.com/trackfast/support-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	serverConfig := cfg.Server()

	log.Printf("Support chat server starting")
	log.Printf("  listen_addr:       %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:       %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections:   %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:      %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:     %s", serverConfig.WriteTimeout)
	log.Printf("  ownership_timeout: %s", cfg.OwnershipTimeout)
	log.Printf("  database:          %t", cfg.DatabaseURL != "")
	log.Printf("  redis_addr:        %s", cfg.RedisAddr)
	log.Printf("  nats_url:          %s", cfg.NATSURL)
	log.Printf("  server_name:       %s", cfg.ServerName)

	ctx := context.Background()

	// --- Message store and ownership directory ---
	var (
		store       chat.Store
		dir         chat.Directory
		staffLookup auth.StaffLookup
		db          *postgres.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		pgDir := db.Directory()
		store, dir, staffLookup = db.Messages(), pgDir, pgDir

		if cfg.SupervisorID != "" {
			if err := pgDir.SeedSupervisor(ctx, cfg.SupervisorID, cfg.SupervisorEmail); err != nil {
				log.Fatalf("failed to seed supervisor: %v", err)
			}
			log.Printf("supervisor %s ready", cfg.SupervisorEmail)
		}
	} else {
		log.Printf("DATABASE_URL not set; using in-memory store with no shipment owners")
		store, dir = chat.NewMemoryStore(), chat.StaticDirectory{}
	}

	// --- Redis: presence and rate limits ---
	var (
		presenceStore *presence.Store
		limiter       *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		presenceStore, err = presence.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(presenceStore.Client())
	}

	// --- Real-time fan-out ---
	registry := realtime.NewRegistry()
	var bus realtime.Bus = registry
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "support-chat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		natsBus := messaging.NewBus(natsClient, messaging.SubjectDelivery, cfg.ServerName)
		if err := natsBus.Forward(registry.Deliver); err != nil {
			log.Fatalf("failed to subscribe to deliveries: %v", err)
		}
		bus = natsBus
	}

	router := realtime.NewRouter(bus, dir, store, cfg.OwnershipTimeout)
	service := chat.NewService(store, dir, router, cfg.OwnershipTimeout)

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("failed to create token issuer: %v", err)
	}
	authenticator := auth.NewAuthenticator(issuer, staffLookup)

	// --- WebSocket protocol ---
	deps := gateway.Deps{
		Registry: registry,
		Auth:     authenticator,
		Chat:     service,
	}
	var serverPresence ws.Presence
	if presenceStore != nil {
		deps.Presence = presenceStore
		serverPresence = presenceStore
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	gw := gateway.New(deps)

	dispatcher := ws.NewMessageDispatcher()
	gw.Register(dispatcher)

	server, err := ws.NewServer(serverConfig, serverPresence, dispatcher.Dispatch)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	server.SetOnDisconnect(func(c *ws.Connection) {
		gw.Disconnect(c)
	})
	if limiter != nil {
		server.SetAdmission(func(r *http.Request) bool {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ok, _ := limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
			return ok
		})
	}

	if db != nil {
		server.AddHealthCheck("postgres", func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return db.Ping(ctx) == nil
		})
	}
	if natsClient != nil {
		server.AddHealthCheck("nats", natsClient.Connected)
	}
	if presenceStore != nil {
		server.AddHealthCheck("redis", func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return presenceStore.Client().Ping(ctx).Err() == nil
		})
	}

	api.New(service, authenticator).Register(server)
	server.Handle("GET /metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if presenceStore != nil {
			if err := presenceStore.Close(); err != nil {
				log.Printf("presence store close error: %v", err)
			}
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
