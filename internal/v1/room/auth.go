package room

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/token"
	"github.com/skyoffice/presence/internal/v1/types"
)

// AuthError is a rejected handshake. Code is the HTTP-style status the
// transport replies with; RoomID is set only for redirects.
type AuthError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	RoomID string `json:"roomId,omitempty"`
}

func (e *AuthError) Error() string {
	return e.Reason
}

// AuthResult carries what the transport attaches to an accepted client.
type AuthResult struct {
	IsNpc    bool
	Name     string
	UserData map[string]any
}

// Authenticate runs the join handshake. Humans pass the namespace and
// password gates; a join carrying agentId is an NPC handshake and must also
// present a valid manager token matching an assignment in this room.
func (r *Room) Authenticate(ctx context.Context, opts types.JoinOptions) (*AuthResult, *AuthError) {
	requestedNamespace := types.NormalizeNamespace(opts.NamespaceSlug)
	if requestedNamespace != "" && requestedNamespace != string(r.namespace) {
		if redirect := r.redirectForNamespace(requestedNamespace); redirect != nil {
			return nil, redirect
		}
		return nil, &AuthError{Code: http.StatusForbidden, Reason: "Namespace mismatch"}
	}

	r.mu.RLock()
	passwordHash := r.passwordHash
	r.mu.RUnlock()
	if passwordHash != "" {
		if opts.Password == "" {
			return nil, &AuthError{Code: http.StatusForbidden, Reason: "Password required"}
		}
		if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(opts.Password)); err != nil {
			return nil, &AuthError{Code: http.StatusForbidden, Reason: "Invalid password"}
		}
	}

	if opts.AgentID == "" {
		return &AuthResult{Name: opts.Name}, nil
	}
	return r.authenticateNpc(ctx, opts)
}

func (r *Room) authenticateNpc(ctx context.Context, opts types.JoinOptions) (*AuthResult, *AuthError) {
	agentID := types.NormalizeAgentID(opts.AgentID)

	tokenString := opts.Token()
	if tokenString == "" {
		return nil, &AuthError{Code: http.StatusForbidden, Reason: "Manager token required"}
	}

	r.LoadPersistedNpcs(ctx)

	assignment, ok := r.GetNpc(agentID)
	if !ok {
		if redirect := r.redirectForAgent(agentID); redirect != nil {
			return nil, redirect
		}
		return nil, &AuthError{Code: http.StatusNotFound, Reason: "No NPC assignment for agent"}
	}

	if r.secrets == nil {
		return nil, &AuthError{Code: http.StatusServiceUnavailable, Reason: "Presence secret unavailable"}
	}
	resolved := r.secrets.Resolve(ctx, agentID, assignment.OfficeID)
	if resolved == nil {
		return nil, &AuthError{Code: http.StatusServiceUnavailable, Reason: "Presence secret unavailable"}
	}

	payload, err := token.Verify(tokenString, resolved.Secret, timeNowUnix())
	if err != nil {
		logging.Warn(ctx, "NPC manager token rejected",
			zap.String("agentId", agentID), zap.Error(err))
		return nil, &AuthError{Code: http.StatusForbidden, Reason: err.Error()}
	}

	// Token claims are matched case-insensitively against the request.
	if payload.AgentID != "" && !strings.EqualFold(payload.AgentID, agentID) {
		return nil, &AuthError{Code: http.StatusForbidden, Reason: "Token agent mismatch"}
	}
	if intended := types.NormalizeNamespace(payload.IntendedNamespace()); intended != "" && intended != string(r.namespace) {
		if redirect := r.redirectForNamespace(intended); redirect != nil {
			return nil, redirect
		}
		return nil, &AuthError{Code: http.StatusForbidden, Reason: "Token namespace mismatch"}
	}
	if slug := types.NormalizeNamespace(assignment.NamespaceSlug); slug != "" &&
		opts.NamespaceSlug != "" && slug != types.NormalizeNamespace(opts.NamespaceSlug) {
		return nil, &AuthError{Code: http.StatusForbidden, Reason: "Assignment namespace mismatch"}
	}

	return &AuthResult{
		IsNpc: true,
		Name:  assignment.Name,
		UserData: map[string]any{
			"npcAgentId":           agentID,
			"npcKey":               string(npcKey(agentID)),
			"managerTokenPayload":  payload,
			"presenceSecretSource": resolved.Source,
		},
	}, nil
}

// redirectForAgent points a misrouted NPC at the room that actually holds its
// assignment.
func (r *Room) redirectForAgent(agentID string) *AuthError {
	if agentID == "" || r.findAgentRoom == nil {
		return nil
	}
	roomID, ok := r.findAgentRoom(types.NormalizeAgentID(agentID))
	if !ok || roomID == r.id {
		return nil
	}
	return &AuthError{
		Code:   http.StatusGone,
		Reason: "Agent is assigned to another room",
		RoomID: string(roomID),
	}
}

// redirectForNamespace points a client at the room owning the namespace its
// token was minted for.
func (r *Room) redirectForNamespace(slug string) *AuthError {
	if r.findNamespaceRoom == nil {
		return nil
	}
	roomID, ok := r.findNamespaceRoom(slug)
	if !ok || roomID == r.id {
		return nil
	}
	return &AuthError{
		Code:   http.StatusGone,
		Reason: "Namespace is served by another room",
		RoomID: string(roomID),
	}
}

// timeNowUnix is swapped in tests exercising token expiry.
var timeNowUnix = func() int64 { return time.Now().Unix() }
