package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyoffice/presence/internal/v1/directory"
	"github.com/skyoffice/presence/internal/v1/room"
	"github.com/skyoffice/presence/internal/v1/types"
	"github.com/skyoffice/presence/internal/v1/walkmap"
)

type fakeRegistry struct {
	agents map[string][]types.RegistryAgent
}

func (f *fakeRegistry) Enabled() bool { return f != nil && f.agents != nil }

func (f *fakeRegistry) ListAgents(_ context.Context, officeID string) []types.RegistryAgent {
	return f.agents[officeID]
}

type testEnv struct {
	server *Server
	dir    *directory.Directory
	router *gin.Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := opts.Directory
	if dir == nil {
		dir = directory.New(nil, "office.xyz")
		opts.Directory = dir
	}
	server := NewServer(opts)
	router := gin.New()
	server.RegisterRoutes(router)
	return &testEnv{server: server, dir: dir, router: router}
}

func (e *testEnv) addRoom(t *testing.T, namespace string, metadata map[string]any) *room.Room {
	t.Helper()
	r, err := room.New(room.Options{
		ID:            types.RoomIDType(uuid.NewString()),
		Name:          namespace,
		NamespaceSlug: namespace,
		Metadata:      metadata,
		OnDispose:     func(disposed *room.Room) { e.dir.Unregister(disposed) },
	})
	require.NoError(t, err)
	e.dir.Register(r)
	return r
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	e.router.ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &out))
	return out
}

func openGrid(w, h int) *walkmap.Grid {
	g := &walkmap.Grid{Width: w, Height: h, TileWidth: 32, TileHeight: 32}
	g.Cells = make([][]uint8, h)
	for y := range g.Cells {
		g.Cells[y] = make([]uint8, w)
	}
	return g
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addRoom(t, "acme", nil)

	recorder := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decode(t, recorder)
	assert.Equal(t, float64(1), body["rooms"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Contains(t, body, "uptime")
}

func TestDeployCharacter_IntoNamespaceRoom(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme", nil)
	env.addRoom(t, "other", nil)

	recorder := env.do(t, http.MethodPost, "/api/deploy-character", map[string]any{
		"agentId":       "Ada.Acme",
		"name":          "Ada",
		"avatarId":      "lucy",
		"workstationId": "engineering-bay",
		"position":      map[string]any{"x": 120, "y": 340},
		"namespaceSlug": "acme",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decode(t, recorder)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, string(acme.ID()), body["roomId"])

	npc, ok := acme.GetNpc("ada.acme")
	require.True(t, ok)
	assert.Equal(t, "lucy", npc.AvatarID)
	assert.Equal(t, 120.0, npc.Position.X)
}

func TestDeployCharacter_ZeroPositionGetsDefaultSpawn(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme", nil)

	recorder := env.do(t, http.MethodPost, "/api/deploy-character", map[string]any{
		"agentId":  "ada.acme",
		"name":     "Ada",
		"position": map[string]any{"x": 0, "y": 0},
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	npc, ok := acme.GetNpc("ada.acme")
	require.True(t, ok)
	assert.Equal(t, defaultSpawn, npc.Position)
}

func TestDeployCharacter_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addRoom(t, "acme", nil)

	recorder := env.do(t, http.MethodPost, "/api/deploy-character", map[string]any{"name": "Ada"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = env.do(t, http.MethodPost, "/api/deploy-character", map[string]any{"agentId": "ada"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDeployCharacter_NoActiveRoom(t *testing.T) {
	env := newTestEnv(t, Options{})

	recorder := env.do(t, http.MethodPost, "/api/deploy-character", map[string]any{
		"agentId": "ada.acme", "name": "Ada",
	})
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, false, decode(t, recorder)["success"])
}

func TestListNpcs(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme", nil)
	_, err := acme.UpsertNpc(context.Background(), types.NpcPayload{
		AgentID: "ada.acme", Name: "Ada",
	}, types.UpsertOptions{SkipRegistrySync: true})
	require.NoError(t, err)

	recorder := env.do(t, http.MethodGet, "/api/npcs", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decode(t, recorder)
	assert.Equal(t, float64(1), body["count"])
	npcs := body["npcs"].([]any)
	require.Len(t, npcs, 1)
	assert.Equal(t, "ada.acme", npcs[0].(map[string]any)["agentId"])
}

func TestRoomByNamespace(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme", nil)

	recorder := env.do(t, http.MethodGet, "/api/rooms/by-namespace/ACME", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decode(t, recorder)
	assert.Equal(t, string(acme.ID()), body["room"].(map[string]any)["roomId"])

	recorder = env.do(t, http.MethodGet, "/api/rooms/by-namespace/nope", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestOfficeAgents_FromRegistry(t *testing.T) {
	registry := &fakeRegistry{agents: map[string][]types.RegistryAgent{
		"off-1": {{ID: "reg-1", AgentIdentifier: "ada.acme", Role: "GM"}},
	}}
	env := newTestEnv(t, Options{Registry: registry})

	recorder := env.do(t, http.MethodGet, "/api/offices/off-1/agents", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decode(t, recorder)
	assert.Equal(t, "registry", body["source"])
	assert.Len(t, body["agents"].([]any), 1)
}

func TestOfficeAgents_LocalFallback(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme.office.xyz", map[string]any{"registryOfficeId": "off-1"})
	_, err := acme.UpsertNpc(context.Background(), types.NpcPayload{
		AgentID: "ada.acme", RegistryAgentID: "reg-1", Name: "Ada", Role: "Engineer",
	}, types.UpsertOptions{SkipRegistrySync: true})
	require.NoError(t, err)

	recorder := env.do(t, http.MethodGet, "/api/offices/off-1/agents", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decode(t, recorder)
	assert.Equal(t, "local", body["source"])
	agents := body["agents"].([]any)
	require.Len(t, agents, 1)
	assert.Equal(t, "reg-1", agents[0].(map[string]any)["id"])
	assert.Equal(t, "ada.acme", agents[0].(map[string]any)["agentIdentifier"])

	// Slug head matches too.
	recorder = env.do(t, http.MethodGet, "/api/offices/acme/agents", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = env.do(t, http.MethodGet, "/api/offices/unknown/agents", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestDestroyNamespace(t *testing.T) {
	var mu sync.Mutex
	var invalidated map[string]any
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		invalidated = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer bridge.Close()

	env := newTestEnv(t, Options{ChatBridgeURL: bridge.URL})
	acme := env.addRoom(t, "acme", nil)
	_, err := acme.UpsertNpc(context.Background(), types.NpcPayload{
		AgentID: "ada.acme", Name: "Ada",
	}, types.UpsertOptions{SkipRegistrySync: true})
	require.NoError(t, err)

	recorder := env.do(t, http.MethodDelete, "/api/rooms/acme", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	body := decode(t, recorder)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["removedRooms"].([]any), 1)
	assert.Equal(t, []any{"ada.acme"}, body["removedAgents"])
	assert.Equal(t, 0, env.dir.ActiveRoomCount())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invalidated != nil
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "acme", invalidated["namespaceSlug"])
	assert.Equal(t, []any{"ada.acme"}, invalidated["agentIds"])
	mu.Unlock()
}

// A repeat teardown finds nothing and reports empty slices, not an error.
func TestDestroyNamespace_Idempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addRoom(t, "acme", nil)

	first := env.do(t, http.MethodDelete, "/api/rooms/acme", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodDelete, "/api/rooms/acme", nil)
	require.Equal(t, http.StatusOK, second.Code)
	body := decode(t, second)
	assert.Equal(t, []any{}, body["removedRooms"])
	assert.Equal(t, []any{}, body["removedAgents"])
}

func TestRemoveNpc(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme", nil)
	env.addRoom(t, "other", nil)
	_, err := acme.UpsertNpc(context.Background(), types.NpcPayload{
		AgentID: "ada.acme", Name: "Ada",
	}, types.UpsertOptions{SkipRegistrySync: true})
	require.NoError(t, err)

	recorder := env.do(t, http.MethodDelete, "/api/npcs/Ada.Acme", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decode(t, recorder)
	assert.Equal(t, []any{string(acme.ID())}, body["removedFrom"])
	assert.False(t, acme.HasAgent("ada.acme"))

	recorder = env.do(t, http.MethodDelete, "/api/npcs/ada.acme", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestPathfind(t *testing.T) {
	env := newTestEnv(t, Options{Grid: openGrid(10, 10)})

	recorder := env.do(t, http.MethodPost, "/api/pathfind", map[string]any{
		"start":  map[string]any{"x": 16, "y": 16},
		"target": map[string]any{"x": 200, "y": 16},
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decode(t, recorder)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["path"])
}

func TestPathfind_Blocked(t *testing.T) {
	grid := openGrid(10, 10)
	// Wall off the target column entirely.
	for y := 0; y < 10; y++ {
		grid.Cells[y][5] = 1
	}
	env := newTestEnv(t, Options{Grid: grid})

	recorder := env.do(t, http.MethodPost, "/api/pathfind", map[string]any{
		"start":  map[string]any{"x": 16, "y": 16},
		"target": map[string]any{"x": 280, "y": 16},
	})
	require.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, "Path not found", decode(t, recorder)["error"])
}

func TestPathfind_Validation(t *testing.T) {
	env := newTestEnv(t, Options{Grid: openGrid(4, 4)})

	recorder := env.do(t, http.MethodPost, "/api/pathfind", map[string]any{
		"start": map[string]any{"x": 16, "y": 16},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = env.do(t, http.MethodPost, "/api/pathfind", map[string]any{
		"start":  map[string]any{"x": "a"},
		"target": map[string]any{"x": 1, "y": 1},
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestPersistNpcState(t *testing.T) {
	env := newTestEnv(t, Options{})
	acme := env.addRoom(t, "acme", nil)
	_, err := acme.UpsertNpc(context.Background(), types.NpcPayload{
		AgentID: "ada.acme", Name: "Ada", AvatarID: "lucy",
	}, types.UpsertOptions{SkipRegistrySync: true})
	require.NoError(t, err)

	recorder := env.do(t, http.MethodPost, "/api/npcs/ada.acme/persist", map[string]any{
		"namespaceSlug": "acme",
		"position":      map[string]any{"x": 100.6, "y": 200.4},
		"posture":       "stand",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	npc, ok := acme.GetNpc("ada.acme")
	require.True(t, ok)
	assert.Equal(t, 101.0, npc.Position.X)
	assert.Equal(t, 200.0, npc.Position.Y)

	player, ok := acme.Player("npc-ada.acme")
	require.True(t, ok)
	assert.Equal(t, "lucy_idle_down", player.Anim)
}

func TestPersistNpcState_Validation(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.addRoom(t, "acme", nil)

	recorder := env.do(t, http.MethodPost, "/api/npcs/ada.acme/persist", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = env.do(t, http.MethodPost, "/api/npcs/ghost/persist", map[string]any{
		"posture": "sit",
	})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
