package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/api"
	"github.com/skyoffice/presence/internal/v1/config"
	"github.com/skyoffice/presence/internal/v1/directory"
	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/middleware"
	"github.com/skyoffice/presence/internal/v1/reconcile"
	"github.com/skyoffice/presence/internal/v1/registry"
	"github.com/skyoffice/presence/internal/v1/secrets"
	"github.com/skyoffice/presence/internal/v1/store"
	"github.com/skyoffice/presence/internal/v1/transport"
	"github.com/skyoffice/presence/internal/v1/types"
	"github.com/skyoffice/presence/internal/v1/walkmap"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()
	ctx := context.Background()

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Persistence ---
	db, err := store.New(cfg.DataDir)
	if err != nil {
		logging.Error(ctx, "Failed to open sqlite store", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	// --- Registry connectivity ---
	registryClient := registry.NewClient(cfg.RegistryURL, cfg.RegistryToken)
	if registryClient.Enabled() {
		logging.Info(ctx, "Registry sync enabled", zap.String("url", cfg.RegistryURL))
	} else {
		logging.Warn(ctx, "REGISTRY_SERVICE_URL not set, running without Registry sync")
	}

	secretResolver := secrets.NewResolver(registryClient,
		secrets.NewFileSecretStore(cfg.SecretsDir), 0)

	// --- Walkable map (optional; pathfinding degrades to 503 without it) ---
	var grid *walkmap.Grid
	if cfg.MapPath != "" {
		grid, err = walkmap.LoadGrid(cfg.MapPath, cfg.GridPath)
		switch {
		case grid == nil:
			logging.Warn(ctx, "Failed to load walk map, pathfinding disabled",
				zap.String("mapPath", cfg.MapPath), zap.Error(err))
		case err != nil:
			// Sidecar rejected; grid was rebuilt from the tile map.
			logging.Warn(ctx, "Walk map loaded with fallback", zap.Error(err))
		default:
			logging.Info(ctx, "Walk map loaded",
				zap.Int("width", grid.Width), zap.Int("height", grid.Height))
		}
	}

	// --- Rooms: directory plus the websocket hub on top ---
	dir := directory.New(db, cfg.OfficeBaseDomain)
	hub := transport.NewHub(transport.Options{
		Directory:      dir,
		RoomStore:      db,
		NpcStore:       db,
		Registry:       registryClient,
		OfficePatcher:  registryClient,
		Secrets:        secretResolver,
		AllowedOrigins: allowedOrigins(cfg.AllowedOrigins),
	})
	dir.SetMatchmaker(hub)

	if _, err := hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypeLobby, Name: "lobby"}); err != nil {
		logging.Error(ctx, "Failed to create lobby room", zap.Error(err))
		os.Exit(1)
	}

	// --- Reconciliation ---
	// With a Registry the declared offices are the source of truth; without
	// one, persisted rooms from the previous run come back up.
	reconciler := reconcile.New(reconcile.Options{
		Registry:       registryClient,
		Directory:      dir,
		Store:          db,
		Matchmaker:     hub,
		BaseDomain:     cfg.OfficeBaseDomain,
		DefaultVoiceID: cfg.DefaultVoiceID,
		Interval:       cfg.SyncInterval,
	})
	runCtx, stopReconciler := context.WithCancel(ctx)
	if registryClient.Enabled() {
		reconciler.Bootstrap(ctx)
		go reconciler.Run(runCtx)
	} else {
		rehydrateRooms(ctx, db, hub)
	}

	// --- Set up Server ---
	router := gin.New()
	router.Use(middleware.CorrelationID())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", hub.ServeWs)
	}

	apiServer := api.NewServer(api.Options{
		Directory:     dir,
		Matchmaker:    hub,
		Registry:      registryClient,
		Grid:          grid,
		ChatBridgeURL: cfg.ChatBridgeURL,
	})
	apiServer.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "Presence server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")
	stopReconciler()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	for _, r := range dir.ListRooms() {
		r.DisconnectAll()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}

// rehydrateRooms recreates persisted rooms after a restart without a Registry.
func rehydrateRooms(ctx context.Context, db *store.Store, hub *transport.Hub) {
	rows, err := db.AllRooms(ctx)
	if err != nil {
		logging.Warn(ctx, "Failed to load persisted rooms", zap.Error(err))
		return
	}
	for _, row := range rows {
		_, err := hub.CreateRoom(types.CreateRoomOptions{
			Type:         types.RoomTypeCustom,
			Name:         row.Name,
			Description:  row.Description,
			PasswordHash: row.Password,
			AutoDispose:  row.AutoDispose,
		})
		if err != nil {
			logging.Warn(ctx, "Failed to rehydrate room",
				zap.String("room", row.Name), zap.Error(err))
		}
	}
	if len(rows) > 0 {
		logging.Info(ctx, "Rehydrated persisted rooms", zap.Int("count", len(rows)))
	}
}

// allowedOrigins parses the comma-separated ALLOWED_ORIGINS value, defaulting
// to the local dev frontend.
func allowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
