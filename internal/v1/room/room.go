// Package room implements the authoritative shared-world state of one office
// room: players, workstation seats, whiteboards, chat, and the NPC roster.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/secrets"
	"github.com/skyoffice/presence/internal/v1/types"
)

const (
	numComputers   = 5
	numWhiteboards = 3
	maxChatHistory = 100

	bcryptCost = 10
)

// Persistence is the slice of the sqlite store the room writes through to.
type Persistence interface {
	SaveNpc(ctx context.Context, npc types.NpcAssignment) error
	RemoveNpc(ctx context.Context, agentID string) error
	AllNpcs(ctx context.Context) ([]types.NpcAssignment, error)
}

// RegistrySync pushes presence telemetry for agents back to the Registry.
type RegistrySync interface {
	PatchAgent(ctx context.Context, officeID, agentID string, lastSeenAt time.Time, metadata map[string]any)
}

// SecretSource resolves the shared secret used to verify manager tokens.
type SecretSource interface {
	Resolve(ctx context.Context, agentID, officeID string) *secrets.Resolved
}

// Options parametrise a new Room.
type Options struct {
	ID            types.RoomIDType
	Name          string
	NamespaceSlug string
	Description   string
	Password      string // plaintext; hashed here
	PasswordHash  string // pre-hashed alternative (rehydration)
	AutoDispose   bool
	Metadata      map[string]any

	Persistence Persistence
	Registry    RegistrySync
	Secrets     SecretSource

	// FindAgentRoom reports which other room currently holds an agent's
	// assignment; used for the handshake redirect.
	FindAgentRoom func(agentID string) (types.RoomIDType, bool)
	// FindNamespaceRoom reports which room serves a namespace slug; used for
	// the handshake redirect.
	FindNamespaceRoom func(slug string) (types.RoomIDType, bool)
	// OnDispose is called once when the room tears down.
	OnDispose func(*Room)
}

// Room is one live office room. All exported methods are safe for concurrent
// use; methods with the Locked suffix require r.mu to be held.
type Room struct {
	mu sync.RWMutex

	id           types.RoomIDType
	name         string
	namespace    types.NamespaceType
	description  string
	passwordHash string
	autoDispose  bool
	metadata     map[string]any
	createdAt    time.Time

	computers   map[string]*types.Computer
	whiteboards map[string]*types.Whiteboard
	players     map[types.SessionIDType]*types.Player
	npcs        map[string]*types.NpcAssignment
	chat        []types.ChatMessage
	clients     map[types.SessionIDType]types.ClientInterface

	persistence Persistence
	registry    RegistrySync
	secrets     SecretSource

	findAgentRoom     func(agentID string) (types.RoomIDType, bool)
	findNamespaceRoom func(slug string) (types.RoomIDType, bool)
	onDispose         func(*Room)

	rehydrated bool
	disposed   bool
}

// New creates a Room, hashing the plaintext password when one is supplied.
func New(opts Options) (*Room, error) {
	passwordHash := opts.PasswordHash
	if passwordHash == "" && opts.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash room password: %w", err)
		}
		passwordHash = string(hashed)
	}

	metadata := map[string]any{}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata["hasPassword"] = passwordHash != ""

	r := &Room{
		id:            opts.ID,
		name:          opts.Name,
		namespace:     types.NamespaceType(types.NormalizeNamespace(opts.NamespaceSlug)),
		description:   opts.Description,
		passwordHash:  passwordHash,
		autoDispose:   opts.AutoDispose,
		metadata:      metadata,
		createdAt:     time.Now(),
		computers:     make(map[string]*types.Computer, numComputers),
		whiteboards:   make(map[string]*types.Whiteboard, numWhiteboards),
		players:       make(map[types.SessionIDType]*types.Player),
		npcs:          make(map[string]*types.NpcAssignment),
		clients:       make(map[types.SessionIDType]types.ClientInterface),
		persistence:   opts.Persistence,
		registry:      opts.Registry,
		secrets:       opts.Secrets,
		findAgentRoom:     opts.FindAgentRoom,
		findNamespaceRoom: opts.FindNamespaceRoom,
		onDispose:         opts.OnDispose,
	}

	for i := 0; i < numComputers; i++ {
		id := fmt.Sprintf("%d", i)
		r.computers[id] = &types.Computer{ID: id, ConnectedUser: make(map[types.SessionIDType]struct{})}
	}
	for i := 0; i < numWhiteboards; i++ {
		id := fmt.Sprintf("%d", i)
		r.whiteboards[id] = &types.Whiteboard{ID: id, ConnectedUser: make(map[types.SessionIDType]struct{})}
	}

	r.refreshOnlineCountsLocked()
	metrics.ActiveRooms.Inc()
	return r, nil
}

// ID returns the room's unique id.
func (r *Room) ID() types.RoomIDType { return r.id }

// Name returns the room's display name.
func (r *Room) Name() string { return r.name }

// Namespace returns the room's lowercased namespace slug.
func (r *Room) Namespace() types.NamespaceType { return r.namespace }

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.passwordHash != ""
}

// PasswordHash exposes the stored bcrypt hash for persistence.
func (r *Room) PasswordHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.passwordHash
}

// AutoDispose reports whether the room removes itself when empty.
func (r *Room) AutoDispose() bool { return r.autoDispose }

// Description returns the room description.
func (r *Room) Description() string { return r.description }

// RegistryBacked reports whether the reconciler created this room from a
// Registry office.
func (r *Room) RegistryBacked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backed, _ := r.metadata["registryBacked"].(bool)
	return backed
}

// Metadata returns a shallow copy of the room metadata.
func (r *Room) Metadata() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// Listing returns the matchmaker view of this room.
func (r *Room) Listing() types.RoomListing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		md[k] = v
	}
	return types.RoomListing{
		RoomID:        string(r.id),
		Name:          r.name,
		NamespaceSlug: string(r.namespace),
		Clients:       len(r.clients),
		Metadata:      md,
	}
}

// ClientCount returns the number of attached transport clients.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Join attaches an authenticated client. Humans get a fresh Player under
// their session id; NPC clients reuse the Player their assignment created.
func (r *Room) Join(ctx context.Context, client types.ClientInterface) {
	r.mu.Lock()
	sessionID := client.GetSessionID()
	r.clients[sessionID] = client
	if !client.IsNpc() {
		r.players[sessionID] = &types.Player{Name: client.GetName()}
	}
	r.refreshOnlineCountsLocked()
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	client.Send(types.MsgRoomState, snapshot)
	logging.Info(ctx, "Client joined room",
		zap.String("roomId", string(r.id)),
		zap.String("sessionId", string(sessionID)),
		zap.Bool("npc", client.IsNpc()))
}

// Leave detaches a client and, for humans, removes their Player and any seat
// occupancy. NPC players stay; their lifecycle is owned by the assignment.
func (r *Room) Leave(ctx context.Context, client types.ClientInterface) {
	r.mu.Lock()
	sessionID := client.GetSessionID()
	delete(r.clients, sessionID)
	if !client.IsNpc() {
		delete(r.players, sessionID)
		for _, computer := range r.computers {
			delete(computer.ConnectedUser, sessionID)
		}
		for _, whiteboard := range r.whiteboards {
			delete(whiteboard.ConnectedUser, sessionID)
		}
	}
	r.refreshOnlineCountsLocked()
	r.mu.Unlock()

	logging.Info(ctx, "Client left room",
		zap.String("roomId", string(r.id)),
		zap.String("sessionId", string(sessionID)))
}

// snapshot is the opening ROOM_STATE payload.
type snapshot struct {
	RoomID      string                                `json:"roomId"`
	Name        string                                `json:"name"`
	Namespace   string                                `json:"namespaceSlug"`
	Players     map[types.SessionIDType]*types.Player `json:"players"`
	Computers   map[string]*types.Computer            `json:"computers"`
	Whiteboards map[string]*types.Whiteboard          `json:"whiteboards"`
	Npcs        map[string]*types.NpcAssignment       `json:"npcs"`
	Chat        []types.ChatMessage                   `json:"chatMessages"`
	Metadata    map[string]any                        `json:"metadata"`
}

func (r *Room) snapshotLocked() snapshot {
	players := make(map[types.SessionIDType]*types.Player, len(r.players))
	for k, v := range r.players {
		p := *v
		players[k] = &p
	}
	npcs := make(map[string]*types.NpcAssignment, len(r.npcs))
	for k, v := range r.npcs {
		n := *v
		npcs[k] = &n
	}
	md := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		md[k] = v
	}
	return snapshot{
		RoomID:      string(r.id),
		Name:        r.name,
		Namespace:   string(r.namespace),
		Players:     players,
		Computers:   r.computers,
		Whiteboards: r.whiteboards,
		Npcs:        npcs,
		Chat:        append([]types.ChatMessage(nil), r.chat...),
		Metadata:    md,
	}
}

// broadcastLocked fans a message out to every attached client except the
// given session id ("" sends to all).
func (r *Room) broadcastLocked(msgType string, payload any, except types.SessionIDType) {
	for sessionID, client := range r.clients {
		if except != "" && sessionID == except {
			continue
		}
		client.Send(msgType, payload)
	}
}

// refreshOnlineCountsLocked recomputes the occupancy counters exposed via
// room metadata and the matchmaker listing.
func (r *Room) refreshOnlineCountsLocked() {
	clientsOnline := 0
	for _, client := range r.clients {
		if !client.IsNpc() {
			clientsOnline++
		}
	}
	npcsOnline := len(r.npcs)
	r.metadata["clientsOnlineCount"] = clientsOnline
	r.metadata["npcOnlineCount"] = npcsOnline
	r.metadata["totalOnlineCount"] = clientsOnline + npcsOnline
	metrics.RoomOccupants.WithLabelValues(string(r.namespace)).Set(float64(clientsOnline + npcsOnline))
}

// Broadcast fans a message out to every attached client.
func (r *Room) Broadcast(msgType string, payload any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.broadcastLocked(msgType, payload, "")
}

// DisconnectAll force-disconnects every attached client.
func (r *Room) DisconnectAll() {
	r.mu.Lock()
	clients := make([]types.ClientInterface, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.Unlock()

	for _, client := range clients {
		client.Disconnect()
	}
}

// Dispose tears the room down: notifies clients, disconnects them, and
// unregisters from the directory via the OnDispose callback.
func (r *Room) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.broadcastLocked(types.MsgRoomClosed, map[string]any{"roomId": string(r.id)}, "")
	r.mu.Unlock()

	r.DisconnectAll()
	metrics.ActiveRooms.Dec()
	metrics.RoomOccupants.DeleteLabelValues(string(r.namespace))
	if r.onDispose != nil {
		r.onDispose(r)
	}
	logging.Info(ctx, "Room disposed",
		zap.String("roomId", string(r.id)), zap.String("namespace", string(r.namespace)))
}
