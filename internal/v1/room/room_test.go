package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyoffice/presence/internal/v1/types"
)

// --- test doubles ---

type sentMessage struct {
	Type    string
	Payload any
}

type fakeClient struct {
	mu           sync.Mutex
	sessionID    types.SessionIDType
	name         string
	npc          bool
	userData     map[string]any
	sent         []sentMessage
	disconnected bool
}

func newFakeClient(id, name string) *fakeClient {
	return &fakeClient{sessionID: types.SessionIDType(id), name: name, userData: map[string]any{}}
}

func (c *fakeClient) GetSessionID() types.SessionIDType { return c.sessionID }
func (c *fakeClient) GetName() string                   { return c.name }
func (c *fakeClient) IsNpc() bool                       { return c.npc }
func (c *fakeClient) UserData() map[string]any          { return c.userData }

func (c *fakeClient) Send(msgType string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{Type: msgType, Payload: payload})
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) messagesOfType(msgType string) []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMessage
	for _, m := range c.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakePersistence struct {
	mu      sync.Mutex
	saved   []types.NpcAssignment
	removed []string
	rows    []types.NpcAssignment
}

func (p *fakePersistence) SaveNpc(_ context.Context, npc types.NpcAssignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, npc)
	return nil
}

func (p *fakePersistence) RemoveNpc(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, agentID)
	return nil
}

func (p *fakePersistence) AllNpcs(_ context.Context) ([]types.NpcAssignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.NpcAssignment(nil), p.rows...), nil
}

type patchCall struct {
	OfficeID string
	AgentID  string
	Metadata map[string]any
}

type fakeRegistry struct {
	mu      sync.Mutex
	patches []patchCall
}

func (f *fakeRegistry) PatchAgent(_ context.Context, officeID, agentID string, _ time.Time, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patchCall{OfficeID: officeID, AgentID: agentID, Metadata: metadata})
}

func (f *fakeRegistry) patchCalls() []patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]patchCall(nil), f.patches...)
}

func newTestRoom(t *testing.T, opts Options) *Room {
	t.Helper()
	if opts.ID == "" {
		opts.ID = "room-1"
	}
	if opts.Name == "" {
		opts.Name = "public"
	}
	if opts.NamespaceSlug == "" {
		opts.NamespaceSlug = "acme"
	}
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

// --- room lifecycle ---

func TestJoinLeave_OnlineCounts(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()

	human := newFakeClient("s1", "Pat")
	r.Join(ctx, human)

	md := r.Metadata()
	assert.Equal(t, 1, md["clientsOnlineCount"])
	assert.Equal(t, 0, md["npcOnlineCount"])
	assert.Equal(t, 1, md["totalOnlineCount"])

	// Joining sends the opening snapshot.
	states := human.messagesOfType(types.MsgRoomState)
	require.Len(t, states, 1)

	r.Leave(ctx, human)
	md = r.Metadata()
	assert.Equal(t, 0, md["clientsOnlineCount"])
	assert.Equal(t, 0, md["totalOnlineCount"])
}

func TestJoin_NpcClientDoesNotCreatePlayer(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()

	npcClient := newFakeClient("npc-session", "Ada")
	npcClient.npc = true
	r.Join(ctx, npcClient)

	_, ok := r.Player("npc-session")
	assert.False(t, ok)
}

func TestHandleMessage_ChatBroadcastExceptSender(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()

	sender := newFakeClient("s1", "Pat")
	other := newFakeClient("s2", "Sam")
	r.Join(ctx, sender)
	r.Join(ctx, other)

	raw, _ := json.Marshal(map[string]string{"content": "hello"})
	r.HandleMessage(ctx, sender, types.MsgAddChatMessage, raw)

	assert.Empty(t, sender.messagesOfType(types.MsgAddChatMessage))
	got := other.messagesOfType(types.MsgAddChatMessage)
	require.Len(t, got, 1)
	msg, ok := got[0].Payload.(types.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "Pat", msg.Author)
}

func TestHandleMessage_ComputerOccupancy(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()

	c1 := newFakeClient("s1", "Pat")
	r.Join(ctx, c1)

	raw, _ := json.Marshal(map[string]string{"computerId": "2"})
	r.HandleMessage(ctx, c1, types.MsgConnectToComputer, raw)
	assert.Equal(t, []types.SessionIDType{"s1"}, r.ComputerOccupants("2"))

	r.HandleMessage(ctx, c1, types.MsgDisconnectFromComputer, raw)
	assert.Empty(t, r.ComputerOccupants("2"))
}

func TestHandleMessage_StopScreenShareForwardsToPeers(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()

	sharer := newFakeClient("s1", "Pat")
	viewer := newFakeClient("s2", "Sam")
	bystander := newFakeClient("s3", "Kim")
	r.Join(ctx, sharer)
	r.Join(ctx, viewer)
	r.Join(ctx, bystander)

	raw, _ := json.Marshal(map[string]string{"computerId": "0"})
	r.HandleMessage(ctx, sharer, types.MsgConnectToComputer, raw)
	r.HandleMessage(ctx, viewer, types.MsgConnectToComputer, raw)

	r.HandleMessage(ctx, sharer, types.MsgStopScreenShare, raw)

	got := viewer.messagesOfType(types.MsgStopScreenShare)
	require.Len(t, got, 1)
	payload := got[0].Payload.(map[string]any)
	assert.Equal(t, types.SessionIDType("s1"), payload["sessionId"])
	assert.Empty(t, bystander.messagesOfType(types.MsgStopScreenShare))
}

func TestHandleMessage_UpdatePlayer(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()

	c1 := newFakeClient("s1", "Pat")
	c2 := newFakeClient("s2", "Sam")
	r.Join(ctx, c1)
	r.Join(ctx, c2)

	raw, _ := json.Marshal(map[string]any{"x": 120.5, "y": 64.0, "anim": "adam_run_right"})
	r.HandleMessage(ctx, c1, types.MsgUpdatePlayer, raw)

	player, ok := r.Player("s1")
	require.True(t, ok)
	assert.Equal(t, 120.5, player.X)
	assert.Equal(t, "adam_run_right", player.Anim)

	assert.Len(t, c2.messagesOfType(types.MsgUpdatePlayer), 1)
	assert.Empty(t, c1.messagesOfType(types.MsgUpdatePlayer))
}

func TestHandleMessage_ChatHistoryBounded(t *testing.T) {
	r := newTestRoom(t, Options{})
	ctx := context.Background()
	c1 := newFakeClient("s1", "Pat")
	r.Join(ctx, c1)

	raw, _ := json.Marshal(map[string]string{"content": "x"})
	for i := 0; i < maxChatHistory+20; i++ {
		r.HandleMessage(ctx, c1, types.MsgAddChatMessage, raw)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Len(t, r.chat, maxChatHistory)
}

func TestDispose_NotifiesAndDisconnects(t *testing.T) {
	var disposedWith *Room
	r := newTestRoom(t, Options{OnDispose: func(room *Room) { disposedWith = room }})
	ctx := context.Background()

	c1 := newFakeClient("s1", "Pat")
	r.Join(ctx, c1)

	r.Dispose(ctx)
	r.Dispose(ctx) // idempotent

	assert.True(t, c1.disconnected)
	require.Len(t, c1.messagesOfType(types.MsgRoomClosed), 1)
	assert.Same(t, r, disposedWith)
}

func TestNew_HashesPassword(t *testing.T) {
	r := newTestRoom(t, Options{Password: "open sesame"})
	assert.True(t, r.HasPassword())
	assert.NotEqual(t, "open sesame", r.PasswordHash())
	assert.Equal(t, true, r.Metadata()["hasPassword"])

	_, authErr := r.Authenticate(context.Background(), types.JoinOptions{Password: "open sesame"})
	assert.Nil(t, authErr)
	_, authErr = r.Authenticate(context.Background(), types.JoinOptions{Password: "wrong"})
	require.NotNil(t, authErr)
	assert.Equal(t, 403, authErr.Code)
}
