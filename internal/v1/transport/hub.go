// Package transport is the matchmaker and websocket shell around rooms: it
// creates and lists them, upgrades client connections, and runs the pumps.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/directory"
	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/room"
	"github.com/skyoffice/presence/internal/v1/store"
	"github.com/skyoffice/presence/internal/v1/types"
)

// Lobby event frames announcing listing changes.
const (
	MsgRoomListed   = "ROOM_LISTED"
	MsgRoomUnlisted = "ROOM_UNLISTED"
)

// emptyRoomGrace is how long an auto-dispose room stays up after its last
// client leaves, so a reconnecting client finds its room intact.
const emptyRoomGrace = 10 * time.Second

// RoomStore persists custom room rows.
type RoomStore interface {
	SaveRoom(ctx context.Context, row store.PersistedRoom) error
	DeleteRoomByName(ctx context.Context, name string) error
}

// OfficePatcher records the live room id on the Registry office.
type OfficePatcher interface {
	PatchOffice(ctx context.Context, officeID, worldID string)
}

// Options wire a Hub.
type Options struct {
	Directory      *directory.Directory
	RoomStore      RoomStore
	NpcStore       room.Persistence
	Registry       room.RegistrySync
	OfficePatcher  OfficePatcher
	Secrets        room.SecretSource
	AllowedOrigins []string
}

// Hub implements types.Matchmaker on top of the room directory.
type Hub struct {
	directory      *directory.Directory
	roomStore      RoomStore
	npcStore       room.Persistence
	registry       room.RegistrySync
	officePatcher  OfficePatcher
	secrets        room.SecretSource
	allowedOrigins []string

	mu          sync.Mutex
	lobbyRoomID types.RoomIDType
	cleanups    map[types.RoomIDType]*time.Timer
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		directory:      opts.Directory,
		roomStore:      opts.RoomStore,
		npcStore:       opts.NpcStore,
		registry:       opts.Registry,
		officePatcher:  opts.OfficePatcher,
		secrets:        opts.Secrets,
		allowedOrigins: opts.AllowedOrigins,
		cleanups:       make(map[types.RoomIDType]*time.Timer),
	}
}

// CreateRoom builds a room, registers it, persists custom/public rooms, and
// links registry-backed ones to their office.
func (h *Hub) CreateRoom(opts types.CreateRoomOptions) (types.RoomListing, error) {
	ctx := context.Background()
	roomID := types.RoomIDType(uuid.NewString())
	name := opts.Name
	if name == "" {
		name = string(roomID)
	}

	r, err := room.New(room.Options{
		ID:            roomID,
		Name:          name,
		NamespaceSlug: opts.NamespaceSlug,
		Description:   opts.Description,
		Password:      opts.Password,
		PasswordHash:  opts.PasswordHash,
		AutoDispose:   opts.AutoDispose,
		Metadata:      opts.Metadata,
		Persistence:   h.npcStore,
		Registry:      h.registry,
		Secrets:       h.secrets,
		FindAgentRoom: func(agentID string) (types.RoomIDType, bool) {
			if other, ok := h.directory.FindRoomWithAgent(agentID); ok {
				return other.ID(), true
			}
			return "", false
		},
		FindNamespaceRoom: func(slug string) (types.RoomIDType, bool) {
			if other, ok := h.directory.GetByNamespace(slug); ok {
				return other.ID(), true
			}
			return "", false
		},
		OnDispose: h.onRoomDispose,
	})
	if err != nil {
		return types.RoomListing{}, err
	}

	h.directory.Register(r)

	if opts.Type == types.RoomTypeLobby {
		h.mu.Lock()
		h.lobbyRoomID = roomID
		h.mu.Unlock()
	} else if h.roomStore != nil {
		if err := h.roomStore.SaveRoom(ctx, store.PersistedRoom{
			Name:        name,
			Description: opts.Description,
			Password:    r.PasswordHash(),
			AutoDispose: opts.AutoDispose,
		}); err != nil {
			logging.Warn(ctx, "Failed to persist room row",
				zap.String("room", name), zap.Error(err))
		}
	}

	if officeID, ok := opts.Metadata["registryOfficeId"].(string); ok && officeID != "" && h.officePatcher != nil {
		h.officePatcher.PatchOffice(ctx, officeID, string(roomID))
	}

	listing := r.Listing()
	h.notifyLobby(MsgRoomListed, listing)
	logging.Info(ctx, "Room created",
		zap.String("roomId", string(roomID)),
		zap.String("namespace", opts.NamespaceSlug),
		zap.String("type", string(opts.Type)))
	return listing, nil
}

// Query lists live rooms matching the filter. The lobby room itself is not
// listed.
func (h *Hub) Query(filter func(types.RoomListing) bool) []types.RoomListing {
	h.mu.Lock()
	lobbyID := h.lobbyRoomID
	h.mu.Unlock()

	var out []types.RoomListing
	for _, r := range h.directory.ListRooms() {
		if r.ID() == lobbyID {
			continue
		}
		listing := r.Listing()
		if filter == nil || filter(listing) {
			out = append(out, listing)
		}
	}
	return out
}

// RemoveListing disposes a live room by id. Removing an unknown id is a
// no-op, which makes teardown paths idempotent.
func (h *Hub) RemoveListing(roomID string) {
	r, ok := h.directory.GetByRoomID(types.RoomIDType(roomID))
	if !ok {
		return
	}
	listing := r.Listing()
	r.Dispose(context.Background())
	h.notifyLobby(MsgRoomUnlisted, listing)
}

func (h *Hub) onRoomDispose(r *room.Room) {
	h.directory.Unregister(r)
	h.mu.Lock()
	if timer, ok := h.cleanups[r.ID()]; ok {
		timer.Stop()
		delete(h.cleanups, r.ID())
	}
	h.mu.Unlock()
}

// notifyLobby pushes a listing event to clients sitting in the lobby room.
func (h *Hub) notifyLobby(event string, listing types.RoomListing) {
	h.mu.Lock()
	lobbyID := h.lobbyRoomID
	h.mu.Unlock()
	if lobbyID == "" {
		return
	}
	if lobby, ok := h.directory.GetByRoomID(lobbyID); ok {
		lobby.Broadcast(event, listing)
	}
}

// scheduleCleanupIfEmpty arms the auto-dispose timer after the last client
// leaves. A client joining before it fires cancels it.
func (h *Hub) scheduleCleanupIfEmpty(r *room.Room) {
	if !r.AutoDispose() || r.ClientCount() > 0 {
		return
	}
	roomID := r.ID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, pending := h.cleanups[roomID]; pending {
		return
	}
	h.cleanups[roomID] = time.AfterFunc(emptyRoomGrace, func() {
		h.mu.Lock()
		delete(h.cleanups, roomID)
		h.mu.Unlock()

		if r.ClientCount() > 0 {
			return
		}
		ctx := context.Background()
		listing := r.Listing()
		name := r.Name()
		r.Dispose(ctx)
		if h.roomStore != nil {
			if err := h.roomStore.DeleteRoomByName(ctx, name); err != nil {
				logging.Warn(ctx, "Failed to delete empty room row",
					zap.String("room", name), zap.Error(err))
			}
		}
		h.notifyLobby(MsgRoomUnlisted, listing)
	})
}

func (h *Hub) cancelCleanup(roomID types.RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timer, ok := h.cleanups[roomID]; ok {
		timer.Stop()
		delete(h.cleanups, roomID)
	}
}

// ServeWs is the gin handler for GET /ws/rooms/:roomId. The handshake is
// resolved before the upgrade so rejections carry proper HTTP statuses.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := types.RoomIDType(c.Param("roomId"))

	r, ok := h.directory.GetByRoomID(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "reason": "Room not found"})
		return
	}

	opts := types.JoinOptions{
		Name:          c.Query("name"),
		Password:      c.Query("password"),
		NamespaceSlug: c.Query("namespaceSlug"),
		AgentID:       c.Query("agentId"),
		ManagerToken:  c.Query("managerToken"),
	}

	result, authErr := r.Authenticate(ctx, opts)
	if authErr != nil {
		body := gin.H{"success": false, "reason": authErr.Reason}
		if authErr.RoomID != "" {
			body["roomId"] = authErr.RoomID
		}
		c.JSON(authErr.Code, body)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			return validateOrigin(req, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "Failed to upgrade connection", zap.Error(err))
		return
	}

	name := result.Name
	if name == "" {
		name = opts.Name
	}
	sessionID := types.SessionIDType(uuid.NewString())
	if result.IsNpc {
		if key, ok := result.UserData["npcKey"].(string); ok {
			sessionID = types.SessionIDType(key)
		}
	}

	client := &Client{
		conn:      conn,
		room:      r,
		hub:       h,
		sessionID: sessionID,
		name:      name,
		npc:       result.IsNpc,
		userData:  result.UserData,
		send:      make(chan []byte, 256),
	}

	h.cancelCleanup(roomID)
	metrics.IncConnection()
	r.Join(context.Background(), client)

	go client.writePump()
	go client.readPump()
}

// validateOrigin checks the request origin against the allowed list. Absent
// origins are allowed so non-browser agent clients can connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
