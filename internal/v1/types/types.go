package types

import (
	"strings"
)

// --- Core Domain Types ---

// RoomIDType represents a unique identifier for a room instance.
type RoomIDType string

// SessionIDType represents a unique identifier for a client connection.
type SessionIDType string

// NamespaceType represents a lowercased office namespace slug.
type NamespaceType string

// Position is a pixel coordinate inside the office map.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Player is one entity in the shared world state. Humans are keyed by their
// raw session id, NPCs by "npc-"+agentId.
type Player struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Anim           string  `json:"anim"`
	Name           string  `json:"name"`
	ReadyToConnect bool    `json:"readyToConnect"`
	VideoConnected bool    `json:"videoConnected"`
}

// Computer is a shared workstation slot tracking connected sessions.
type Computer struct {
	ID            string                     `json:"id"`
	ConnectedUser map[SessionIDType]struct{} `json:"connectedUser"`
}

// Whiteboard is a shared whiteboard slot tracking connected sessions.
type Whiteboard struct {
	ID            string                     `json:"id"`
	RoomID        string                     `json:"roomId"` // external whiteboard room id
	ConnectedUser map[SessionIDType]struct{} `json:"connectedUser"`
}

// ChatMessage is one entry in a room's replicated chat array.
type ChatMessage struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// NpcAssignment binds an agent to a room, a seat, and a presence snapshot.
type NpcAssignment struct {
	AgentID         string         `json:"agentId"`
	RegistryAgentID string         `json:"registryAgentId,omitempty"`
	OfficeID        string         `json:"officeId,omitempty"`
	Name            string         `json:"name"`
	AvatarID        string         `json:"avatarId"`
	WorkstationID   string         `json:"workstationId,omitempty"`
	Position        Position       `json:"position"`
	Role            string         `json:"role"`
	ComputerID      string         `json:"computerId,omitempty"`
	VoiceAgentID    string         `json:"voiceAgentId,omitempty"`
	NamespaceSlug   string         `json:"namespaceSlug,omitempty"`
	RoomID          string         `json:"roomId,omitempty"`
	AssignedAt      string         `json:"assignedAt"` // ISO-8601 UTC
	AgentMetadata   map[string]any `json:"agentMetadata,omitempty"`
}

// NpcPayload is the input to Room.UpsertNpc.
type NpcPayload struct {
	AgentID         string         `json:"agentId"`
	RegistryAgentID string         `json:"registryAgentId,omitempty"`
	OfficeID        string         `json:"officeId,omitempty"`
	Name            string         `json:"name"`
	AvatarID        string         `json:"avatarId,omitempty"`
	WorkstationID   string         `json:"workstationId,omitempty"`
	Position        *Position      `json:"position,omitempty"`
	Role            string         `json:"role,omitempty"`
	ComputerID      string         `json:"computerId,omitempty"`
	VoiceAgentID    string         `json:"voiceAgentId,omitempty"`
	AgentMetadata   map[string]any `json:"agentMetadata,omitempty"`
}

// UpsertOptions control the write-through behaviour of Room.UpsertNpc.
type UpsertOptions struct {
	SkipPersistence  bool
	SkipRegistrySync bool
}

// NpcStateUpdate is the partial mutation applied by Room.UpdateNpcState.
// Nil fields are left untouched.
type NpcStateUpdate struct {
	Position      *Position `json:"position,omitempty"`
	Anim          *string   `json:"anim,omitempty"`
	Posture       *string   `json:"posture,omitempty"` // "sit" | "stand"
	WorkstationID *string   `json:"workstationId,omitempty"`
	VoiceAgentID  *string   `json:"voiceAgentId,omitempty"`
}

// IsEmpty reports whether the update carries no field at all.
func (u NpcStateUpdate) IsEmpty() bool {
	return u.Position == nil && u.Anim == nil && u.Posture == nil &&
		u.WorkstationID == nil && u.VoiceAgentID == nil
}

// --- Registry-declared types ---

// RegistryOffice is one tenant as declared by the external Registry.
type RegistryOffice struct {
	ID            string         `json:"id"`
	NamespaceSlug string         `json:"namespaceSlug"`
	Domain        string         `json:"domain,omitempty"`
	DisplayName   string         `json:"displayName,omitempty"`
	Status        string         `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RegistryAgent is one agent persona as declared by the external Registry.
type RegistryAgent struct {
	ID              string         `json:"id"`
	AgentIdentifier string         `json:"agentIdentifier,omitempty"`
	AvatarID        string         `json:"avatarId,omitempty"`
	Role            string         `json:"role,omitempty"`
	AgentEmail      string         `json:"agentEmail,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TenantKey is one entry of an office's tenant key set.
type TenantKey struct {
	KeyType     string         `json:"keyType"`
	SecretsPath string         `json:"secretsPath,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// --- Realtime message contract ---

// Message type names carried on the wire. Payloads are JSON objects.
const (
	MsgConnectToComputer        = "CONNECT_TO_COMPUTER"
	MsgDisconnectFromComputer   = "DISCONNECT_FROM_COMPUTER"
	MsgStopScreenShare          = "STOP_SCREEN_SHARE"
	MsgConnectToWhiteboard      = "CONNECT_TO_WHITEBOARD"
	MsgDisconnectFromWhiteboard = "DISCONNECT_FROM_WHITEBOARD"
	MsgUpdatePlayer             = "UPDATE_PLAYER"
	MsgUpdatePlayerName         = "UPDATE_PLAYER_NAME"
	MsgReadyToConnect           = "READY_TO_CONNECT"
	MsgVideoConnected           = "VIDEO_CONNECTED"
	MsgDisconnectStream         = "DISCONNECT_STREAM"
	MsgAddChatMessage           = "ADD_CHAT_MESSAGE"
	MsgRoomState                = "ROOM_STATE"
	MsgRoomClosed               = "ROOM_CLOSED"
)

// ClientInterface defines the behaviour the room needs from a connected
// transport client. This keeps the room package independent of the websocket
// layer.
type ClientInterface interface {
	GetSessionID() SessionIDType
	GetName() string
	Send(msgType string, payload any)
	Disconnect()
	// IsNpc reports whether the handshake marked this client as an NPC.
	IsNpc() bool
	UserData() map[string]any
}

// JoinOptions are the options a client presents when joining a room.
type JoinOptions struct {
	Name          string       `json:"name,omitempty"`
	Password      string       `json:"password,omitempty"`
	NamespaceSlug string       `json:"namespaceSlug,omitempty"`
	AgentID       string       `json:"agentId,omitempty"`
	ManagerToken  string       `json:"managerToken,omitempty"`
	Auth          *AuthOptions `json:"auth,omitempty"`
}

// AuthOptions nests credentials the way agent clients send them.
type AuthOptions struct {
	ManagerToken string `json:"managerToken,omitempty"`
}

// Token returns the manager token regardless of which field carried it.
func (o JoinOptions) Token() string {
	if o.Auth != nil && o.Auth.ManagerToken != "" {
		return o.Auth.ManagerToken
	}
	return o.ManagerToken
}

// --- Matchmaker ---

// RoomType is the transport-level room flavour.
type RoomType string

const (
	RoomTypeLobby  RoomType = "lobby"
	RoomTypePublic RoomType = "public"
	RoomTypeCustom RoomType = "custom"
)

// CreateRoomOptions parametrise a matchmaker room creation.
type CreateRoomOptions struct {
	Type          RoomType
	Name          string
	NamespaceSlug string
	Description   string
	Password      string // plaintext; hashed on create
	PasswordHash  string // pre-hashed alternative (rehydration)
	AutoDispose   bool
	Metadata      map[string]any
}

// RoomListing is a matchmaker view of one live room.
type RoomListing struct {
	RoomID        string         `json:"roomId"`
	Name          string         `json:"name"`
	NamespaceSlug string         `json:"namespaceSlug"`
	Clients       int            `json:"clients"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Matchmaker is the narrow surface the reconciler, directory and admin API
// need from the transport layer.
type Matchmaker interface {
	CreateRoom(opts CreateRoomOptions) (RoomListing, error)
	Query(filter func(RoomListing) bool) []RoomListing
	RemoveListing(roomID string)
}

// --- Normalisation helpers ---

// NormalizeNamespace lowercases and trims a namespace slug.
func NormalizeNamespace(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// NormalizeAgentID lowercases an agent id; agent ids are case-insensitive
// everywhere in the system.
func NormalizeAgentID(agentID string) string {
	return strings.ToLower(strings.TrimSpace(agentID))
}

// NormalizeRole maps registry role labels onto the canonical set.
// "office secretary" is the legacy label for the GM role; a blank role also
// defaults to GM.
func NormalizeRole(role string) string {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return "GM"
	}
	if strings.EqualFold(trimmed, "office secretary") {
		return "GM"
	}
	return trimmed
}

// NamespaceHead returns the slug segment before the first dot.
func NamespaceHead(slug string) string {
	if i := strings.Index(slug, "."); i >= 0 {
		return slug[:i]
	}
	return slug
}
