package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/types"
)

type computerPayload struct {
	ComputerID string `json:"computerId"`
}

type whiteboardPayload struct {
	WhiteboardID string `json:"whiteboardId"`
}

type playerUpdatePayload struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Anim string  `json:"anim"`
}

type playerNamePayload struct {
	Name string `json:"name"`
}

type disconnectStreamPayload struct {
	ClientID string `json:"clientId"`
}

type chatMessagePayload struct {
	Content string `json:"content"`
}

// HandleMessage routes one inbound realtime message from an attached client.
// Unknown message types are logged and dropped.
func (r *Room) HandleMessage(ctx context.Context, client types.ClientInterface, msgType string, raw json.RawMessage) {
	sessionID := client.GetSessionID()

	switch msgType {
	case types.MsgConnectToComputer:
		var p computerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.setComputerOccupancy(sessionID, p.ComputerID, true)

	case types.MsgDisconnectFromComputer:
		var p computerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.setComputerOccupancy(sessionID, p.ComputerID, false)

	case types.MsgStopScreenShare:
		var p computerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.forwardToComputerPeers(sessionID, p.ComputerID)

	case types.MsgConnectToWhiteboard:
		var p whiteboardPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.setWhiteboardOccupancy(sessionID, p.WhiteboardID, true)

	case types.MsgDisconnectFromWhiteboard:
		var p whiteboardPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.setWhiteboardOccupancy(sessionID, p.WhiteboardID, false)

	case types.MsgUpdatePlayer:
		var p playerUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.mu.Lock()
		if player, ok := r.players[sessionID]; ok {
			player.X, player.Y, player.Anim = p.X, p.Y, p.Anim
			r.broadcastLocked(types.MsgUpdatePlayer, map[string]any{
				"sessionId": sessionID, "x": p.X, "y": p.Y, "anim": p.Anim,
			}, sessionID)
		}
		r.mu.Unlock()

	case types.MsgUpdatePlayerName:
		var p playerNamePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.mu.Lock()
		if player, ok := r.players[sessionID]; ok {
			player.Name = p.Name
			r.broadcastLocked(types.MsgUpdatePlayerName, map[string]any{
				"sessionId": sessionID, "name": p.Name,
			}, sessionID)
		}
		r.mu.Unlock()

	case types.MsgReadyToConnect:
		r.setPlayerFlag(sessionID, func(p *types.Player) { p.ReadyToConnect = true })

	case types.MsgVideoConnected:
		r.setPlayerFlag(sessionID, func(p *types.Player) { p.VideoConnected = true })

	case types.MsgDisconnectStream:
		var p disconnectStreamPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		r.mu.RLock()
		peer, ok := r.clients[types.SessionIDType(p.ClientID)]
		r.mu.RUnlock()
		if ok {
			peer.Send(types.MsgDisconnectStream, map[string]any{"sessionId": sessionID})
		}

	case types.MsgAddChatMessage:
		var p chatMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil || p.Content == "" {
			return
		}
		msg := types.ChatMessage{
			ID:        uuid.NewString(),
			Author:    client.GetName(),
			Content:   p.Content,
			CreatedAt: time.Now().UnixMilli(),
		}
		r.mu.Lock()
		r.chat = append(r.chat, msg)
		if len(r.chat) > maxChatHistory {
			r.chat = r.chat[len(r.chat)-maxChatHistory:]
		}
		r.broadcastLocked(types.MsgAddChatMessage, msg, sessionID)
		r.mu.Unlock()

	default:
		logging.Warn(ctx, "Dropping unknown room message",
			zap.String("roomId", string(r.id)), zap.String("type", msgType))
	}
}

func (r *Room) setPlayerFlag(sessionID types.SessionIDType, set func(*types.Player)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if player, ok := r.players[sessionID]; ok {
		set(player)
	}
}

func (r *Room) setComputerOccupancy(sessionID types.SessionIDType, computerID string, connect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	computer, ok := r.computers[computerID]
	if !ok {
		return
	}
	if connect {
		computer.ConnectedUser[sessionID] = struct{}{}
	} else {
		delete(computer.ConnectedUser, sessionID)
	}
	event := types.MsgConnectToComputer
	if !connect {
		event = types.MsgDisconnectFromComputer
	}
	r.broadcastLocked(event, map[string]any{
		"computerId": computerID, "sessionId": sessionID,
	}, sessionID)
}

func (r *Room) setWhiteboardOccupancy(sessionID types.SessionIDType, whiteboardID string, connect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	whiteboard, ok := r.whiteboards[whiteboardID]
	if !ok {
		return
	}
	if connect {
		whiteboard.ConnectedUser[sessionID] = struct{}{}
	} else {
		delete(whiteboard.ConnectedUser, sessionID)
	}
	event := types.MsgConnectToWhiteboard
	if !connect {
		event = types.MsgDisconnectFromWhiteboard
	}
	r.broadcastLocked(event, map[string]any{
		"whiteboardId": whiteboardID, "sessionId": sessionID,
	}, sessionID)
}

// forwardToComputerPeers relays STOP_SCREEN_SHARE to every other session
// connected to the same computer.
func (r *Room) forwardToComputerPeers(sessionID types.SessionIDType, computerID string) {
	r.mu.RLock()
	computer, ok := r.computers[computerID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	var peers []types.ClientInterface
	for peerID := range computer.ConnectedUser {
		if peerID == sessionID {
			continue
		}
		if peer, ok := r.clients[peerID]; ok {
			peers = append(peers, peer)
		}
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		peer.Send(types.MsgStopScreenShare, map[string]any{
			"computerId": computerID, "sessionId": sessionID,
		})
	}
}
