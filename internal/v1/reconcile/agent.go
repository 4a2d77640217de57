package reconcile

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/skyoffice/presence/internal/v1/types"
)

var (
	labelInvalidChars = regexp.MustCompile(`[^a-z0-9-]`)
	labelDashRuns     = regexp.MustCompile(`-+`)
)

// deriveAgentDomain picks the agent's stable domain-shaped identifier.
// Anything already domain-shaped is used as-is; otherwise the chosen label is
// sanitised and composed with the office's domain.
func (r *Reconciler) deriveAgentDomain(office types.RegistryOffice, agent types.RegistryAgent) string {
	candidates := []string{
		metadataString(agent.Metadata, "defaultAgentDomain"),
		metadataString(agent.Metadata, "agentDomain"),
		metadataString(agent.Metadata, "domain"),
		agent.AgentIdentifier,
		metadataString(agent.Metadata, "defaultAgentId"),
		metadataString(agent.Metadata, "agentIdentifier"),
		agent.ID,
	}

	chosen := ""
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			chosen = strings.TrimSpace(c)
			break
		}
	}
	if chosen == "" {
		chosen = "agent"
	}
	if strings.Contains(chosen, ".") {
		return strings.ToLower(chosen)
	}

	label := sanitizeLabel(chosen)
	if domain := types.NormalizeNamespace(office.Domain); domain != "" {
		return label + "." + domain
	}
	slug := types.NormalizeNamespace(office.NamespaceSlug)
	return label + "." + slug + "." + r.baseDomain
}

func sanitizeLabel(s string) string {
	label := labelInvalidChars.ReplaceAllString(strings.ToLower(s), "-")
	label = labelDashRuns.ReplaceAllString(label, "-")
	label = strings.Trim(label, "-")
	if label == "" {
		return "agent"
	}
	return label
}

// buildNpcPayload assembles the upsert payload for one registry agent.
func (r *Reconciler) buildNpcPayload(office types.RegistryOffice, agent types.RegistryAgent) types.NpcPayload {
	spawn := spawnSource(agent.Metadata)

	position := types.Position{X: 800, Y: 200}
	if posMap, ok := spawn["position"].(map[string]any); ok {
		if x, ok := numberValue(posMap["x"]); ok {
			position.X = x
		}
		if y, ok := numberValue(posMap["y"]); ok {
			position.Y = y
		}
	} else {
		if x, ok := numberValue(spawn["x"]); ok {
			position.X = x
		}
		if y, ok := numberValue(spawn["y"]); ok {
			position.Y = y
		}
	}

	workstation := stringValue(spawn["workstationId"], "design-studio")

	voiceAgentID := stringValue(spawn["voiceAgentId"], "")
	if voiceAgentID == "" {
		voiceAgentID = agent.AgentEmail
	}
	if voiceAgentID == "" {
		voiceAgentID = r.defaultVoiceID
	}

	displayName := agent.AgentIdentifier
	if displayName == "" {
		displayName = agent.ID
	}

	return types.NpcPayload{
		AgentID:         r.deriveAgentDomain(office, agent),
		RegistryAgentID: agent.ID,
		OfficeID:        office.ID,
		Name:            displayName,
		AvatarID:        agent.AvatarID,
		WorkstationID:   workstation,
		Position:        &position,
		Role:            types.NormalizeRole(agent.Role),
		VoiceAgentID:    voiceAgentID,
		AgentMetadata:   r.enrichAgentMetadata(office, agent, displayName),
	}
}

// spawnSource picks where spawn hints live: metadata.spawn, then
// metadata.spawnConfig, then the metadata map itself.
func spawnSource(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	if spawn, ok := metadata["spawn"].(map[string]any); ok {
		return spawn
	}
	if spawn, ok := metadata["spawnConfig"].(map[string]any); ok {
		return spawn
	}
	return metadata
}

// enrichAgentMetadata deep-clones the registry metadata and stamps the
// derived identity fields onto the copy.
func (r *Reconciler) enrichAgentMetadata(office types.RegistryOffice, agent types.RegistryAgent, displayName string) map[string]any {
	clone := deepCloneMetadata(agent.Metadata)

	clone["displayName"] = displayName
	if nickname := nicknameOf(agent.Metadata); nickname != "" {
		clone["nickname"] = nickname
	}
	if agent.AgentEmail != "" {
		clone["defaultAgentEmail"] = agent.AgentEmail
	}

	agentDomain := r.deriveAgentDomain(office, agent)
	isDefault, _ := clone["default"].(bool)
	if officeDefault := metadataString(office.Metadata, "defaultAgentId"); officeDefault != "" &&
		strings.EqualFold(officeDefault, agent.ID) {
		isDefault = true
	}
	if isDefault {
		clone["default"] = true
		clone["defaultAgentId"] = agent.ID
		clone["defaultAgentDomain"] = agentDomain
		clone["agentDomain"] = agentDomain
	}
	return clone
}

func nicknameOf(metadata map[string]any) string {
	if nickname := metadataString(metadata, "nickname"); nickname != "" {
		return nickname
	}
	if aliases, ok := metadata["aliases"].([]any); ok {
		for _, alias := range aliases {
			if s, ok := alias.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// deepCloneMetadata copies via a JSON round-trip so nested maps of the
// registry response are never shared with the stored assignment.
func deepCloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return map[string]any{}
	}
	var clone map[string]any
	if err := json.Unmarshal(data, &clone); err != nil {
		return map[string]any{}
	}
	return clone
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if s, ok := metadata[key].(string); ok {
		return s
	}
	return ""
}

func stringValue(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
