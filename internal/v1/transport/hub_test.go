package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyoffice/presence/internal/v1/directory"
	"github.com/skyoffice/presence/internal/v1/store"
	"github.com/skyoffice/presence/internal/v1/types"
)

type fakeRoomStore struct {
	mu      sync.Mutex
	saved   []store.PersistedRoom
	deleted []string
}

func (s *fakeRoomStore) SaveRoom(_ context.Context, row store.PersistedRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, row)
	return nil
}

func (s *fakeRoomStore) DeleteRoomByName(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, name)
	return nil
}

type fakeOfficePatcher struct {
	mu      sync.Mutex
	patched map[string]string
}

func (p *fakeOfficePatcher) PatchOffice(_ context.Context, officeID, worldID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.patched == nil {
		p.patched = map[string]string{}
	}
	p.patched[officeID] = worldID
}

func newTestHub(t *testing.T) (*Hub, *directory.Directory, *fakeRoomStore, *fakeOfficePatcher) {
	t.Helper()
	dir := directory.New(nil, "office.xyz")
	roomStore := &fakeRoomStore{}
	patcher := &fakeOfficePatcher{}
	hub := NewHub(Options{
		Directory:     dir,
		RoomStore:     roomStore,
		OfficePatcher: patcher,
	})
	dir.SetMatchmaker(hub)
	return hub, dir, roomStore, patcher
}

func TestCreateRoom_RegistersAndPersists(t *testing.T) {
	hub, dir, roomStore, patcher := newTestHub(t)

	listing, err := hub.CreateRoom(types.CreateRoomOptions{
		Type:          types.RoomTypePublic,
		Name:          "acme",
		NamespaceSlug: "ACME",
		Metadata:      map[string]any{"registryBacked": true, "registryOfficeId": "off-1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, listing.RoomID)
	assert.Equal(t, "acme", listing.NamespaceSlug)

	r, ok := dir.GetByNamespace("acme")
	require.True(t, ok)
	assert.Equal(t, listing.RoomID, string(r.ID()))

	require.Len(t, roomStore.saved, 1)
	assert.Equal(t, "acme", roomStore.saved[0].Name)

	assert.Equal(t, listing.RoomID, patcher.patched["off-1"])
}

func TestCreateRoom_CustomWithPassword(t *testing.T) {
	hub, _, roomStore, _ := newTestHub(t)

	_, err := hub.CreateRoom(types.CreateRoomOptions{
		Type:        types.RoomTypeCustom,
		Name:        "war-room",
		Password:    "hunter2",
		AutoDispose: true,
	})
	require.NoError(t, err)

	require.Len(t, roomStore.saved, 1)
	// The row carries the hash, never the plaintext.
	assert.NotEmpty(t, roomStore.saved[0].Password)
	assert.NotEqual(t, "hunter2", roomStore.saved[0].Password)
	assert.True(t, roomStore.saved[0].AutoDispose)
}

func TestQuery_ExcludesLobby(t *testing.T) {
	hub, _, _, _ := newTestHub(t)

	_, err := hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypeLobby, Name: "lobby"})
	require.NoError(t, err)
	_, err = hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypePublic, Name: "acme", NamespaceSlug: "acme"})
	require.NoError(t, err)

	listings := hub.Query(nil)
	require.Len(t, listings, 1)
	assert.Equal(t, "acme", listings[0].Name)

	filtered := hub.Query(func(l types.RoomListing) bool { return l.NamespaceSlug == "other" })
	assert.Empty(t, filtered)
}

func TestRemoveListing(t *testing.T) {
	hub, dir, _, _ := newTestHub(t)

	listing, err := hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypePublic, Name: "acme", NamespaceSlug: "acme"})
	require.NoError(t, err)

	hub.RemoveListing(listing.RoomID)
	hub.RemoveListing(listing.RoomID) // idempotent

	_, ok := dir.GetByRoomID(types.RoomIDType(listing.RoomID))
	assert.False(t, ok)
	assert.Empty(t, hub.Query(nil))
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func newWsServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/rooms/:roomId", hub.ServeWs)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestServeWs_HumanJoinReceivesRoomState(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	listing, err := hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypePublic, Name: "acme", NamespaceSlug: "acme"})
	require.NoError(t, err)

	server := newWsServer(t, hub)
	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/ws/rooms/"+listing.RoomID+"?name=Pat&namespaceSlug=acme"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, types.MsgRoomState, frame.Type)

	var state struct {
		RoomID  string                   `json:"roomId"`
		Players map[string]*types.Player `json:"players"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &state))
	assert.Equal(t, listing.RoomID, state.RoomID)
	assert.Len(t, state.Players, 1)
}

func TestServeWs_RoomNotFound(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	server := newWsServer(t, hub)

	resp, err := http.Get(server.URL + "/ws/rooms/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeWs_PasswordRejected(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	listing, err := hub.CreateRoom(types.CreateRoomOptions{
		Type: types.RoomTypeCustom, Name: "war-room", Password: "hunter2",
	})
	require.NoError(t, err)

	server := newWsServer(t, hub)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws/rooms/"+listing.RoomID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/ws/rooms/"+listing.RoomID+"?password=hunter2&name=Pat"), nil)
	require.NoError(t, err)
	conn.Close()
}

// A handshake naming a namespace another room serves gets a 410 pointing at
// the right room.
func TestServeWs_NamespaceRedirect(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	alpha, err := hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypePublic, Name: "alpha", NamespaceSlug: "alpha"})
	require.NoError(t, err)
	beta, err := hub.CreateRoom(types.CreateRoomOptions{Type: types.RoomTypePublic, Name: "beta", NamespaceSlug: "beta"})
	require.NoError(t, err)

	server := newWsServer(t, hub)
	resp, err := http.Get(server.URL + "/ws/rooms/" + alpha.RoomID + "?namespaceSlug=beta&agentId=ada.beta&managerToken=a.b.c")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGone, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, beta.RoomID, body["roomId"])
	assert.Equal(t, false, body["success"])
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"https://app.office.xyz"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NoError(t, validateOrigin(req, allowed)) // non-browser client

	req.Header.Set("Origin", "https://app.office.xyz")
	assert.NoError(t, validateOrigin(req, allowed))

	req.Header.Set("Origin", "https://evil.example")
	assert.Error(t, validateOrigin(req, allowed))
}
