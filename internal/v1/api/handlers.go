package api

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/room"
	"github.com/skyoffice/presence/internal/v1/types"
)

// Default spawn point used when a deploy request carries no usable position.
var defaultSpawn = types.Position{X: 705, Y: 500}

type deployCharacterRequest struct {
	AgentID         string          `json:"agentId"`
	Name            string          `json:"name"`
	AvatarID        string          `json:"avatarId"`
	WorkstationID   string          `json:"workstationId"`
	Position        *types.Position `json:"position"`
	Role            string          `json:"role"`
	ComputerID      string          `json:"computerId"`
	VoiceAgentID    string          `json:"voiceAgentId"`
	RegistryAgentID string          `json:"registryAgentId"`
	OfficeID        string          `json:"officeId"`
	NamespaceSlug   string          `json:"namespaceSlug"`
	RoomID          string          `json:"roomId"`
	AgentMetadata   map[string]any  `json:"agentMetadata"`
}

func (s *Server) handleDeployCharacter(c *gin.Context) {
	ctx := c.Request.Context()

	var req deployCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "agentId is required"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "name is required"})
		return
	}

	target, ok := s.resolveTargetRoom(req.NamespaceSlug, req.RoomID)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "No active room available"})
		return
	}

	// Zero coordinates mean "unset"; nobody spawns at the map origin.
	position := defaultSpawn
	if req.Position != nil {
		position = *req.Position
		if position.X == 0 {
			position.X = defaultSpawn.X
		}
		if position.Y == 0 {
			position.Y = defaultSpawn.Y
		}
	}

	assignment, err := target.UpsertNpc(ctx, types.NpcPayload{
		AgentID:         req.AgentID,
		RegistryAgentID: req.RegistryAgentID,
		OfficeID:        req.OfficeID,
		Name:            req.Name,
		AvatarID:        req.AvatarID,
		WorkstationID:   req.WorkstationID,
		Position:        &position,
		Role:            req.Role,
		ComputerID:      req.ComputerID,
		VoiceAgentID:    req.VoiceAgentID,
		AgentMetadata:   req.AgentMetadata,
	}, types.UpsertOptions{})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	logging.Info(ctx, "Character deployed",
		zap.String("agentId", assignment.AgentID),
		zap.String("roomId", string(target.ID())))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"roomId":  string(target.ID()),
		"npc":     assignment,
	})
}

// resolveTargetRoom picks the room a deploy lands in: the namespace's room
// first, then an explicit room id, then any live room.
func (s *Server) resolveTargetRoom(namespaceSlug, roomID string) (*room.Room, bool) {
	if slug := types.NormalizeNamespace(namespaceSlug); slug != "" {
		if r, ok := s.directory.GetByNamespace(slug); ok {
			return r, true
		}
		if s.matchmaker != nil {
			listings := s.matchmaker.Query(func(l types.RoomListing) bool {
				return types.NormalizeNamespace(l.NamespaceSlug) == slug
			})
			for _, l := range listings {
				if r, ok := s.directory.GetByRoomID(types.RoomIDType(l.RoomID)); ok {
					return r, true
				}
			}
		}
	}
	if roomID != "" {
		if r, ok := s.directory.GetByRoomID(types.RoomIDType(roomID)); ok {
			return r, true
		}
	}
	return s.directory.GetAnyActiveRoom()
}

func (s *Server) handleListNpcs(c *gin.Context) {
	npcs := s.directory.ListNpcAssignments()
	if npcs == nil {
		npcs = []types.NpcAssignment{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(npcs), "npcs": npcs})
}

func (s *Server) handleRoomByNamespace(c *gin.Context) {
	slug := types.NormalizeNamespace(c.Param("slug"))

	if r, ok := s.directory.GetByNamespace(slug); ok {
		c.JSON(http.StatusOK, gin.H{"success": true, "room": r.Listing()})
		return
	}

	// The directory indexes exact slugs only; listings may still match on
	// registry metadata.
	if s.matchmaker != nil {
		listings := s.matchmaker.Query(func(l types.RoomListing) bool {
			if types.NormalizeNamespace(l.NamespaceSlug) == slug {
				return true
			}
			for _, key := range []string{"namespaceSlug", "registryDomain"} {
				if v, ok := l.Metadata[key].(string); ok && types.NormalizeNamespace(v) == slug {
					return true
				}
			}
			return false
		})
		if len(listings) > 0 {
			c.JSON(http.StatusOK, gin.H{"success": true, "room": listings[0]})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No room for namespace"})
}

func (s *Server) handleOfficeAgents(c *gin.Context) {
	ctx := c.Request.Context()
	officeID := c.Param("officeId")

	if s.registry != nil && s.registry.Enabled() {
		if agents := s.registry.ListAgents(ctx, officeID); len(agents) > 0 {
			c.JSON(http.StatusOK, gin.H{"success": true, "source": "registry", "agents": agents})
			return
		}
	}

	r, ok := s.findOfficeRoom(officeID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Unknown office"})
		return
	}

	agents := make([]types.RegistryAgent, 0)
	for _, npc := range r.NpcAssignments() {
		id := npc.RegistryAgentID
		if id == "" {
			id = npc.AgentID
		}
		agents = append(agents, types.RegistryAgent{
			ID:              id,
			AgentIdentifier: npc.AgentID,
			AvatarID:        npc.AvatarID,
			Role:            npc.Role,
			Metadata:        npc.AgentMetadata,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "source": "local", "agents": agents})
}

// findOfficeRoom matches a live room to an office identifier: by the registry
// office id stamped at creation, by namespace slug, by slug head, or by
// domain suffix.
func (s *Server) findOfficeRoom(officeID string) (*room.Room, bool) {
	needle := types.NormalizeNamespace(officeID)
	for _, r := range s.directory.ListRooms() {
		metadata := r.Metadata()
		if v, ok := metadata["registryOfficeId"].(string); ok && v == officeID {
			return r, true
		}
		if v, ok := metadata["registryId"].(string); ok && v == officeID {
			return r, true
		}
		slug := string(r.Namespace())
		if slug == "" {
			continue
		}
		if slug == needle || types.NamespaceHead(slug) == needle {
			return r, true
		}
		if v, ok := metadata["registryDomain"].(string); ok {
			domain := types.NormalizeNamespace(v)
			if domain == needle || strings.HasSuffix(domain, "."+needle) {
				return r, true
			}
		}
	}
	return nil, false
}

func (s *Server) handleDestroyNamespace(c *gin.Context) {
	ctx := c.Request.Context()
	slug := types.NormalizeNamespace(c.Param("slug"))

	result := s.directory.DestroyNamespace(ctx, slug)
	s.invalidateChatBridgeCache(result.RemovedAgents, slug)

	logging.Info(ctx, "Namespace destroyed",
		zap.String("namespace", slug),
		zap.Int("removedRooms", len(result.RemovedRooms)),
		zap.Int("removedAgents", len(result.RemovedAgents)))
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"namespaceSlug": slug,
		"removedRooms":  result.RemovedRooms,
		"removedAgents": result.RemovedAgents,
	})
}

func (s *Server) handleRemoveNpc(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := types.NormalizeAgentID(c.Param("agentId"))
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "agentId is required"})
		return
	}

	removedFrom := []string{}
	for _, r := range s.directory.ListRooms() {
		if _, err := r.RemoveNpc(ctx, agentID); err == nil {
			removedFrom = append(removedFrom, string(r.ID()))
		} else if !errors.Is(err, room.ErrNpcNotFound) {
			logging.Warn(ctx, "Failed to remove NPC",
				zap.String("agentId", agentID),
				zap.String("roomId", string(r.ID())), zap.Error(err))
		}
	}

	if len(removedFrom) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No NPC assignment for agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agentId": agentID, "removedFrom": removedFrom})
}

type pathfindRequest struct {
	Start  *types.Position `json:"start"`
	Target *types.Position `json:"target"`
}

func (s *Server) handlePathfind(c *gin.Context) {
	var req pathfindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid JSON body"})
		return
	}
	if req.Start == nil || req.Target == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "start and target are required"})
		return
	}
	if s.grid == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Walk map not loaded"})
		return
	}

	select {
	case s.pathfindSlots <- struct{}{}:
		defer func() { <-s.pathfindSlots }()
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Pathfinding unavailable"})
		return
	}

	started := time.Now()
	path := s.grid.FindPath(*req.Start, *req.Target)
	metrics.PathfindDuration.Observe(time.Since(started).Seconds())

	if path == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Path not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "path": path})
}

type persistNpcRequest struct {
	NamespaceSlug string `json:"namespaceSlug"`
	types.NpcStateUpdate
}

func (s *Server) handlePersistNpcState(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := types.NormalizeAgentID(c.Param("agentId"))

	var req persistNpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid JSON body"})
		return
	}
	if req.NpcStateUpdate.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Update carries no fields"})
		return
	}
	if req.Position != nil {
		req.Position.X = math.Round(req.Position.X)
		req.Position.Y = math.Round(req.Position.Y)
	}

	target, ok := s.resolveAgentRoom(req.NamespaceSlug, agentID)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "No active room available"})
		return
	}

	assignment, err := target.UpdateNpcState(ctx, agentID, req.NpcStateUpdate)
	if err != nil {
		if errors.Is(err, room.ErrNpcNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No NPC assignment for agent"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "npc": assignment})
}

// resolveAgentRoom picks the room a state update applies to: the namespace's
// room, then whichever room holds the agent, then any live room.
func (s *Server) resolveAgentRoom(namespaceSlug, agentID string) (*room.Room, bool) {
	if slug := types.NormalizeNamespace(namespaceSlug); slug != "" {
		if r, ok := s.directory.GetByNamespace(slug); ok {
			return r, true
		}
	}
	if r, ok := s.directory.FindRoomWithAgent(agentID); ok {
		return r, true
	}
	return s.directory.GetAnyActiveRoom()
}
