// Package directory is the process-wide index of live rooms, keyed by room
// id and by namespace slug, plus the namespace teardown path.
package directory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/room"
	"github.com/skyoffice/presence/internal/v1/types"
)

// Persistence is the slice of the sqlite store namespace teardown needs.
type Persistence interface {
	DeleteRoomByName(ctx context.Context, name string) error
	RemoveNpc(ctx context.Context, agentID string) error
	AllNpcs(ctx context.Context) ([]types.NpcAssignment, error)
}

// DestroyResult reports what a namespace teardown removed.
type DestroyResult struct {
	RemovedRooms  []string `json:"removedRooms"`
	RemovedAgents []string `json:"removedAgents"`
}

// Directory indexes live rooms. The matchmaker is attached after
// construction because the transport layer is built on top of the directory.
type Directory struct {
	mu          sync.RWMutex
	byRoomID    map[types.RoomIDType]*room.Room
	byNamespace map[string]*room.Room

	persistence Persistence
	matchmaker  types.Matchmaker
	baseDomain  string
}

// New creates an empty Directory.
func New(persistence Persistence, baseDomain string) *Directory {
	if baseDomain == "" {
		baseDomain = "office.xyz"
	}
	return &Directory{
		byRoomID:    make(map[types.RoomIDType]*room.Room),
		byNamespace: make(map[string]*room.Room),
		persistence: persistence,
		baseDomain:  baseDomain,
	}
}

// SetMatchmaker attaches the transport layer once it exists.
func (d *Directory) SetMatchmaker(m types.Matchmaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matchmaker = m
}

// Register indexes a room under its id and namespace.
func (d *Directory) Register(r *room.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byRoomID[r.ID()] = r
	if slug := string(r.Namespace()); slug != "" {
		d.byNamespace[slug] = r
	}
}

// Unregister drops a room. The namespace entry is removed only while it
// still points at this exact room, so a replacement registered under the
// same slug survives a late unregister of its predecessor.
func (d *Directory) Unregister(r *room.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.byRoomID[r.ID()]; ok && current == r {
		delete(d.byRoomID, r.ID())
	}
	if slug := string(r.Namespace()); slug != "" {
		if current, ok := d.byNamespace[slug]; ok && current == r {
			delete(d.byNamespace, slug)
		}
	}
}

// GetByRoomID looks a room up by id.
func (d *Directory) GetByRoomID(id types.RoomIDType) (*room.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byRoomID[id]
	return r, ok
}

// GetByNamespace looks a room up by normalized namespace slug.
func (d *Directory) GetByNamespace(slug string) (*room.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byNamespace[types.NormalizeNamespace(slug)]
	return r, ok
}

// GetAnyActiveRoom returns an arbitrary live room, if any.
func (d *Directory) GetAnyActiveRoom() (*room.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.byRoomID {
		return r, true
	}
	return nil, false
}

// ActiveRoomCount returns the number of live rooms.
func (d *Directory) ActiveRoomCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byRoomID)
}

// FindRoomWithAgent returns the room holding an agent's assignment.
func (d *Directory) FindRoomWithAgent(agentID string) (*room.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.byRoomID {
		if r.HasAgent(agentID) {
			return r, true
		}
	}
	return nil, false
}

// ListRooms returns every live room.
func (d *Directory) ListRooms() []*room.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*room.Room, 0, len(d.byRoomID))
	for _, r := range d.byRoomID {
		out = append(out, r)
	}
	return out
}

// ListNpcAssignments flattens the assignments of every live room.
func (d *Directory) ListNpcAssignments() []types.NpcAssignment {
	var out []types.NpcAssignment
	for _, r := range d.ListRooms() {
		out = append(out, r.NpcAssignments()...)
	}
	return out
}

// PruneNamespacesNotIn destroys every registry-backed namespace whose slug
// (or slug head) the Registry no longer declares. Rooms created by hand are
// left alone.
func (d *Directory) PruneNamespacesNotIn(ctx context.Context, valid map[string]struct{}) {
	d.mu.RLock()
	var stale []string
	for slug, r := range d.byNamespace {
		if !r.RegistryBacked() {
			continue
		}
		if _, ok := valid[slug]; ok {
			continue
		}
		if _, ok := valid[types.NamespaceHead(slug)]; ok {
			continue
		}
		stale = append(stale, slug)
	}
	d.mu.RUnlock()

	for _, slug := range stale {
		result := d.DestroyNamespace(ctx, slug)
		logging.Info(ctx, "Pruned stale registry namespace",
			zap.String("namespace", slug),
			zap.Strings("removedRooms", result.RemovedRooms),
			zap.Strings("removedAgents", result.RemovedAgents))
	}
}

// DestroyNamespace tears a namespace down end to end: its rooms, their NPCs,
// persisted rows, and matchmaker listings. Idempotent; every sub-step is
// best-effort.
func (d *Directory) DestroyNamespace(ctx context.Context, slug string) DestroyResult {
	slug = types.NormalizeNamespace(slug)
	result := DestroyResult{RemovedRooms: []string{}, RemovedAgents: []string{}}
	if slug == "" {
		return result
	}

	candidates := map[string]struct{}{slug: {}}
	candidates[types.NamespaceHead(slug)] = struct{}{}
	candidates[slug+"."+d.baseDomain] = struct{}{}

	seenAgents := map[string]struct{}{}
	for candidate := range candidates {
		r, ok := d.GetByNamespace(candidate)
		if !ok {
			continue
		}

		for _, npc := range r.NpcAssignments() {
			if _, err := r.RemoveNpc(ctx, npc.AgentID); err != nil {
				logging.Warn(ctx, "Failed to remove NPC during namespace teardown",
					zap.String("agentId", npc.AgentID), zap.Error(err))
				continue
			}
			if _, dup := seenAgents[npc.AgentID]; !dup {
				seenAgents[npc.AgentID] = struct{}{}
				result.RemovedAgents = append(result.RemovedAgents, npc.AgentID)
			}
		}

		roomID := string(r.ID())
		roomName := r.Name()
		r.Dispose(ctx)

		if d.persistence != nil {
			if err := d.persistence.DeleteRoomByName(ctx, roomName); err != nil {
				logging.Warn(ctx, "Failed to delete persisted room row",
					zap.String("room", roomName), zap.Error(err))
			}
		}
		d.removeListings(roomID, roomName, candidates)
		result.RemovedRooms = append(result.RemovedRooms, roomID)
	}

	d.purgeResidualNpcRows(ctx, candidates, seenAgents, &result)
	return result
}

// removeListings drops every matchmaker listing tied to the namespace.
func (d *Directory) removeListings(roomID, roomName string, candidates map[string]struct{}) {
	d.mu.RLock()
	matchmaker := d.matchmaker
	d.mu.RUnlock()
	if matchmaker == nil {
		return
	}

	listings := matchmaker.Query(func(l types.RoomListing) bool {
		if l.RoomID == roomID || l.Name == roomName {
			return true
		}
		if _, ok := candidates[types.NormalizeNamespace(l.NamespaceSlug)]; ok {
			return true
		}
		for _, key := range []string{"namespaceSlug", "registryDomain", "displayName"} {
			if v, ok := l.Metadata[key].(string); ok {
				if _, hit := candidates[types.NormalizeNamespace(v)]; hit {
					return true
				}
			}
		}
		return false
	})
	for _, l := range listings {
		matchmaker.RemoveListing(l.RoomID)
	}
}

// purgeResidualNpcRows deletes persisted NPC rows the live teardown missed,
// e.g. rows for a room that never came back up after a restart.
func (d *Directory) purgeResidualNpcRows(ctx context.Context, candidates map[string]struct{}, seenAgents map[string]struct{}, result *DestroyResult) {
	if d.persistence == nil {
		return
	}
	rows, err := d.persistence.AllNpcs(ctx)
	if err != nil {
		logging.Warn(ctx, "Failed to list persisted NPCs during teardown", zap.Error(err))
		return
	}
	for _, row := range rows {
		rowSlug := types.NormalizeNamespace(row.NamespaceSlug)
		if _, hit := candidates[rowSlug]; !hit {
			continue
		}
		if err := d.persistence.RemoveNpc(ctx, row.AgentID); err != nil {
			logging.Warn(ctx, "Failed to purge persisted NPC row",
				zap.String("agentId", row.AgentID), zap.Error(err))
			continue
		}
		if _, dup := seenAgents[row.AgentID]; !dup {
			seenAgents[row.AgentID] = struct{}{}
			result.RemovedAgents = append(result.RemovedAgents, row.AgentID)
		}
	}
}
