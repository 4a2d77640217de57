// Package api is the admin HTTP facade: health, NPC deployment, namespace
// teardown, and pathfinding.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/directory"
	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/types"
	"github.com/skyoffice/presence/internal/v1/walkmap"
)

// RegistryClient is the slice of the Registry client the API needs.
type RegistryClient interface {
	Enabled() bool
	ListAgents(ctx context.Context, officeID string) []types.RegistryAgent
}

// Options wire a Server.
type Options struct {
	Directory     *directory.Directory
	Matchmaker    types.Matchmaker
	Registry      RegistryClient
	Grid          *walkmap.Grid
	ChatBridgeURL string
}

// Server carries the admin API handlers.
type Server struct {
	directory     *directory.Directory
	matchmaker    types.Matchmaker
	registry      RegistryClient
	grid          *walkmap.Grid
	chatBridgeURL string
	startedAt     time.Time

	// Pathfinding is CPU-bound; the semaphore keeps a burst of requests from
	// starving the websocket handlers.
	pathfindSlots chan struct{}

	httpClient *http.Client
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	return &Server{
		directory:     opts.Directory,
		matchmaker:    opts.Matchmaker,
		registry:      opts.Registry,
		grid:          opts.Grid,
		chatBridgeURL: opts.ChatBridgeURL,
		startedAt:     time.Now(),
		pathfindSlots: make(chan struct{}, runtime.NumCPU()),
		httpClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

// RegisterRoutes mounts every admin route onto the engine.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/deploy-character", s.handleDeployCharacter)
		api.GET("/npcs", s.handleListNpcs)
		api.GET("/rooms/by-namespace/:slug", s.handleRoomByNamespace)
		api.GET("/offices/:officeId/agents", s.handleOfficeAgents)
		api.DELETE("/rooms/:slug", s.handleDestroyNamespace)
		api.DELETE("/npcs/:agentId", s.handleRemoveNpc)
		api.POST("/pathfind", s.handlePathfind)
		api.POST("/npcs/:agentId/persist", s.handlePersistNpcState)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":    time.Since(s.startedAt).Seconds(),
		"rooms":     s.directory.ActiveRoomCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// invalidateChatBridgeCache tells the chat bridge to drop cached agent state
// for a torn-down namespace. Fire and forget: failures are logged only.
func (s *Server) invalidateChatBridgeCache(agentIDs []string, namespaceSlug string) {
	if s.chatBridgeURL == "" {
		return
	}
	body, err := json.Marshal(map[string]any{
		"agentIds":      agentIDs,
		"namespaceSlug": namespaceSlug,
	})
	if err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.chatBridgeURL+"/api/aladdin/cache/invalidate", bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			logging.Warn(ctx, "Chat bridge cache invalidation failed",
				zap.String("namespace", namespaceSlug), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}
