package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"pairline-backend/internal/api"
	"pairline-backend/internal/api/handlers"
	"pairline-backend/internal/config"
	"pairline-backend/internal/credentials"
	"pairline-backend/internal/events"
	"pairline-backend/internal/invite"
	"pairline-backend/internal/outbox"
	"pairline-backend/internal/presence"
	"pairline-backend/internal/queue"
	"pairline-backend/internal/relay"
	"pairline-backend/internal/room"
	"pairline-backend/internal/storage"
	"pairline-backend/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	ctx := context.Background()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Database, cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Initialize transport; the inbound handler is attached once the
	// coordinator exists.
	wsManager := transport.NewWSManager(store.Redis, nil)

	// Initialize room lifecycle
	roomManager := room.NewManager(cfg.Rooms, wsManager, store.DB)

	// Initialize offline message queue
	ob := outbox.NewQueue(func(ctx context.Context, recipientID uuid.UUID, msg events.ChatMessage) error {
		return wsManager.Send(ctx, recipientID, msg)
	})

	// Initialize presence pool manager
	presenceManager := presence.NewManager(cfg.Presence, store.Redis)

	// Initialize invite handshake
	inviteService := invite.NewService(cfg.Invites, presenceManager, store.DB, roomManager, wsManager)

	// Wire the session coordinator into the transport
	coordinator := relay.NewCoordinator(wsManager, roomManager, ob, presenceManager)
	wsManager.SetHandler(coordinator)

	// Initialize media credential cache
	credCache := credentials.NewCache(
		credentials.NewHMACProvider(
			cfg.Credentials.TURNSecret,
			credentials.ParseURIs(cfg.Credentials.TURNURIs),
			cfg.Credentials.TURNLifetime,
		),
		cfg.Credentials.BatchTTL,
	)

	// Initialize background processor
	processor, err := queue.NewProcessor(cfg.Sweeper, cfg.Redis.URL, store.Redis, inviteService, presenceManager)
	if err != nil {
		log.Fatalf("Failed to initialize background processor: %v", err)
	}
	if err := processor.Start(ctx); err != nil {
		log.Fatalf("Failed to start background processor: %v", err)
	}
	defer processor.Stop()

	// Initialize handlers
	inviteHandler := handlers.NewInviteHandler(inviteService)
	roomHandler := handlers.NewRoomHandler(roomManager, credCache)
	presenceHandler := handlers.NewPresenceHandler(presenceManager)
	userHandler := handlers.NewUserHandler(store)

	// Initialize dependencies
	deps := &api.Dependencies{
		Storage:         store,
		WSManager:       wsManager,
		InviteHandler:   inviteHandler,
		RoomHandler:     roomHandler,
		PresenceHandler: presenceHandler,
		UserHandler:     userHandler,
	}

	// Initialize router
	r := api.NewRouter(deps)

	// Server setup
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
