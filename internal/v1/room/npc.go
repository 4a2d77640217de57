package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/types"
)

// defaultAvatar seats agents that never declared an avatar.
const defaultAvatar = "adam"

// ErrAgentIDRequired rejects NPC operations without an agent id.
var ErrAgentIDRequired = errors.New("agentId is required")

// ErrNpcNotFound reports an operation on an agent this room does not hold.
var ErrNpcNotFound = errors.New("npc not found in room")

// npcKey is the Player map key of an agent.
func npcKey(agentID string) types.SessionIDType {
	return types.SessionIDType("npc-" + types.NormalizeAgentID(agentID))
}

// UpsertNpc creates or refreshes an NPC assignment. Idempotent on agentId.
func (r *Room) UpsertNpc(ctx context.Context, payload types.NpcPayload, opts types.UpsertOptions) (types.NpcAssignment, error) {
	agentID := types.NormalizeAgentID(payload.AgentID)
	if agentID == "" {
		return types.NpcAssignment{}, ErrAgentIDRequired
	}
	key := npcKey(agentID)

	r.mu.Lock()
	existing := r.npcs[agentID]

	avatar := payload.AvatarID
	if avatar == "" && existing != nil {
		avatar = existing.AvatarID
	}
	if avatar == "" {
		avatar = defaultAvatar
	}

	position := types.Position{}
	switch {
	case payload.Position != nil:
		position = *payload.Position
	case existing != nil:
		position = existing.Position
	}

	workstation := payload.WorkstationID
	if workstation == "" && existing != nil {
		workstation = existing.WorkstationID
	}

	// Seat move is exclusive: an NPC occupies at most one computer.
	computerID := payload.ComputerID
	if computerID == "" {
		computerID, _ = types.WorkstationComputer(workstation)
	}
	for _, computer := range r.computers {
		delete(computer.ConnectedUser, key)
	}
	seated := false
	if computer, ok := r.computers[computerID]; ok {
		computer.ConnectedUser[key] = struct{}{}
		seated = true
	}

	anim := fmt.Sprintf("%s_idle_down", avatar)
	if seated {
		anim = fmt.Sprintf("%s_sit_down", avatar)
	}

	voiceAgentID := payload.VoiceAgentID
	if voiceAgentID == "" && existing != nil {
		voiceAgentID = existing.VoiceAgentID
	}

	assignment := &types.NpcAssignment{
		AgentID:         agentID,
		RegistryAgentID: payload.RegistryAgentID,
		OfficeID:        payload.OfficeID,
		Name:            payload.Name,
		AvatarID:        avatar,
		WorkstationID:   workstation,
		Position:        position,
		Role:            types.NormalizeRole(payload.Role),
		ComputerID:      computerID,
		VoiceAgentID:    voiceAgentID,
		NamespaceSlug:   string(r.namespace),
		RoomID:          string(r.id),
		AssignedAt:      time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		AgentMetadata:   payload.AgentMetadata,
	}
	if existing != nil {
		if assignment.RegistryAgentID == "" {
			assignment.RegistryAgentID = existing.RegistryAgentID
		}
		if assignment.OfficeID == "" {
			assignment.OfficeID = existing.OfficeID
		}
		if assignment.AgentMetadata == nil {
			assignment.AgentMetadata = existing.AgentMetadata
		}
	}
	r.npcs[agentID] = assignment

	player := r.players[key]
	if player == nil {
		player = &types.Player{}
		r.players[key] = player
	}
	player.Name = payload.Name
	player.X = position.X
	player.Y = position.Y
	player.Anim = anim
	player.ReadyToConnect = true
	player.VideoConnected = false

	r.refreshOnlineCountsLocked()
	r.broadcastLocked(types.MsgUpdatePlayer, map[string]any{
		"sessionId": key, "x": player.X, "y": player.Y, "anim": player.Anim, "name": player.Name,
	}, "")
	result := *assignment
	r.mu.Unlock()

	metrics.NpcAssignments.WithLabelValues(string(r.namespace)).Set(float64(r.NpcCount()))

	if !opts.SkipPersistence && r.persistence != nil {
		if err := r.persistence.SaveNpc(ctx, result); err != nil {
			// In-memory state stays authoritative even when the write fails.
			logging.Error(ctx, "Failed to persist NPC assignment",
				zap.String("agentId", agentID), zap.Error(err))
		}
	}

	if !opts.SkipRegistrySync {
		r.patchRegistryPresence(ctx, result, true)
	}

	return result, nil
}

// RemoveNpc deletes an agent's assignment, player entity, and seat. Removing
// an absent agent returns ErrNpcNotFound.
func (r *Room) RemoveNpc(ctx context.Context, agentID string) (types.NpcAssignment, error) {
	agentID = types.NormalizeAgentID(agentID)
	key := npcKey(agentID)

	r.mu.Lock()
	assignment, ok := r.npcs[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NpcAssignment{}, ErrNpcNotFound
	}
	delete(r.npcs, agentID)
	delete(r.players, key)
	for _, computer := range r.computers {
		delete(computer.ConnectedUser, key)
	}
	r.refreshOnlineCountsLocked()
	removed := *assignment
	r.mu.Unlock()

	metrics.NpcAssignments.WithLabelValues(string(r.namespace)).Set(float64(r.NpcCount()))

	if r.persistence != nil {
		if err := r.persistence.RemoveNpc(ctx, agentID); err != nil {
			logging.Warn(ctx, "Failed to delete persisted NPC row",
				zap.String("agentId", agentID), zap.Error(err))
		}
	}
	r.patchRegistryPresence(ctx, removed, false)

	return removed, nil
}

// UpdateNpcState applies a partial mutation to a live NPC.
func (r *Room) UpdateNpcState(ctx context.Context, agentID string, update types.NpcStateUpdate) (types.NpcAssignment, error) {
	agentID = types.NormalizeAgentID(agentID)
	key := npcKey(agentID)

	r.mu.Lock()
	assignment, ok := r.npcs[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NpcAssignment{}, ErrNpcNotFound
	}
	player := r.players[key]

	if update.Position != nil {
		assignment.Position = *update.Position
		if player != nil {
			player.X = update.Position.X
			player.Y = update.Position.Y
		}
	}
	if update.WorkstationID != nil {
		assignment.WorkstationID = *update.WorkstationID
		computerID, _ := types.WorkstationComputer(*update.WorkstationID)
		for _, computer := range r.computers {
			delete(computer.ConnectedUser, key)
		}
		assignment.ComputerID = ""
		if computer, seatOK := r.computers[computerID]; seatOK {
			computer.ConnectedUser[key] = struct{}{}
			assignment.ComputerID = computerID
		}
	}
	if update.VoiceAgentID != nil {
		assignment.VoiceAgentID = *update.VoiceAgentID
	}
	if update.Anim != nil && player != nil {
		player.Anim = *update.Anim
	}
	if update.Posture != nil && player != nil {
		avatar := assignment.AvatarID
		if avatar == "" {
			avatar = defaultAvatar
		}
		switch *update.Posture {
		case "sit":
			player.Anim = fmt.Sprintf("%s_sit_down", avatar)
		case "stand":
			player.Anim = fmt.Sprintf("%s_idle_down", avatar)
		}
	}

	r.refreshOnlineCountsLocked()
	if player != nil {
		r.broadcastLocked(types.MsgUpdatePlayer, map[string]any{
			"sessionId": key, "x": player.X, "y": player.Y, "anim": player.Anim, "name": player.Name,
		}, "")
	}
	result := *assignment
	r.mu.Unlock()

	if r.persistence != nil {
		if err := r.persistence.SaveNpc(ctx, result); err != nil {
			logging.Warn(ctx, "Failed to persist NPC state update",
				zap.String("agentId", agentID), zap.Error(err))
		}
	}
	r.patchRegistryPresence(ctx, result, true)

	return result, nil
}

// LoadPersistedNpcs rehydrates assignments for this room's namespace from the
// store. Runs at most once per room; safe to call eagerly.
func (r *Room) LoadPersistedNpcs(ctx context.Context) {
	r.mu.Lock()
	if r.rehydrated || r.persistence == nil {
		r.mu.Unlock()
		return
	}
	r.rehydrated = true
	r.mu.Unlock()

	rows, err := r.persistence.AllNpcs(ctx)
	if err != nil {
		logging.Warn(ctx, "Failed to load persisted NPCs",
			zap.String("roomId", string(r.id)), zap.Error(err))
		return
	}

	for _, row := range rows {
		if types.NormalizeNamespace(row.NamespaceSlug) != string(r.namespace) &&
			row.RoomID != string(r.id) {
			continue
		}
		position := row.Position
		_, err := r.UpsertNpc(ctx, types.NpcPayload{
			AgentID:         row.AgentID,
			RegistryAgentID: row.RegistryAgentID,
			OfficeID:        row.OfficeID,
			Name:            row.Name,
			AvatarID:        row.AvatarID,
			WorkstationID:   row.WorkstationID,
			Position:        &position,
			Role:            row.Role,
			ComputerID:      row.ComputerID,
			VoiceAgentID:    row.VoiceAgentID,
			AgentMetadata:   row.AgentMetadata,
		}, types.UpsertOptions{SkipPersistence: true, SkipRegistrySync: true})
		if err != nil {
			logging.Warn(ctx, "Failed to rehydrate NPC",
				zap.String("agentId", row.AgentID), zap.Error(err))
		}
	}
}

// NpcCount returns the number of assignments held by this room.
func (r *Room) NpcCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.npcs)
}

// NpcAssignments returns a copy of every assignment in this room.
func (r *Room) NpcAssignments() []types.NpcAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NpcAssignment, 0, len(r.npcs))
	for _, npc := range r.npcs {
		out = append(out, *npc)
	}
	return out
}

// GetNpc returns the assignment for one agent.
func (r *Room) GetNpc(agentID string) (types.NpcAssignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	npc, ok := r.npcs[types.NormalizeAgentID(agentID)]
	if !ok {
		return types.NpcAssignment{}, false
	}
	return *npc, true
}

// HasAgent reports whether this room holds an assignment for the agent.
func (r *Room) HasAgent(agentID string) bool {
	_, ok := r.GetNpc(agentID)
	return ok
}

// Player returns a copy of one player entity.
func (r *Room) Player(sessionID types.SessionIDType) (types.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	player, ok := r.players[sessionID]
	if !ok {
		return types.Player{}, false
	}
	return *player, true
}

// ComputerOccupants returns the session ids seated at one computer.
func (r *Room) ComputerOccupants(computerID string) []types.SessionIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	computer, ok := r.computers[computerID]
	if !ok {
		return nil
	}
	out := make([]types.SessionIDType, 0, len(computer.ConnectedUser))
	for id := range computer.ConnectedUser {
		out = append(out, id)
	}
	return out
}

// patchRegistryPresence pushes the agent's presence snapshot to the Registry.
// present=false inverts the marker and clears the spawn, telling downstream
// consumers the agent left this world.
func (r *Room) patchRegistryPresence(ctx context.Context, npc types.NpcAssignment, present bool) {
	if r.registry == nil || npc.OfficeID == "" || npc.RegistryAgentID == "" {
		return
	}

	var metadata map[string]any
	if present {
		metadata = map[string]any{
			"positionX":     npc.Position.X,
			"positionY":     npc.Position.Y,
			"workstationId": npc.WorkstationID,
			"voiceAgentId":  npc.VoiceAgentID,
			"namespaceSlug": npc.NamespaceSlug,
			"spawn": map[string]any{
				"position":      map[string]any{"x": npc.Position.X, "y": npc.Position.Y},
				"workstationId": npc.WorkstationID,
				"voiceAgentId":  npc.VoiceAgentID,
			},
			"isPresentInSkyOffice": true,
		}
	} else {
		metadata = map[string]any{
			"isPresentInSkyOffice": false,
			"spawn":                nil,
		}
	}

	r.registry.PatchAgent(ctx, npc.OfficeID, npc.RegistryAgentID, time.Now(), metadata)
}
