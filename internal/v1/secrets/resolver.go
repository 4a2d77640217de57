// Package secrets resolves the HMAC secret used to verify manager tokens,
// walking a priority chain of sources with short-lived caches.
package secrets

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/types"
)

// DefaultTTL bounds how long a resolved secret is reused before the chain is
// walked again.
const DefaultTTL = 5 * time.Minute

// Static env var names checked first, in order.
var staticSecretEnvs = []string{
	"SKYOFFICE_PRESENCE_SHARED_SECRET",
	"SKYOFFICE_PRESENCE_SECRET",
	"PRESENCE_SHARED_SECRET",
	"SHARED_SECRET",
}

// Keys accepted inside a tenant secret blob, in order of preference.
var tenantSecretKeys = []string{
	"SKYOFFICE_PRESENCE_SHARED_SECRET",
	"SKYOFFICE_PRESENCE_SECRET",
	"PRESENCE_SHARED_SECRET",
	"sharedSecret",
	"shared_secret",
}

// Env var fallback chain for the office id when the caller passes none.
var officeIDEnvs = []string{"REGISTRY_OFFICE_ID", "OFFICE_ID", "SKYOFFICE_OFFICE_ID"}

// tenantKeyType identifies the tenant key carrying the presence secret path.
const tenantKeyType = "shared:skyoffice-server"

// RegistryAPI is the slice of the Registry client the resolver needs.
type RegistryAPI interface {
	TenantKeys(ctx context.Context, officeID string) []types.TenantKey
	AgentCredential(ctx context.Context, officeID, agentID string) string
}

// SecretStore fetches opaque secret blobs by path.
type SecretStore interface {
	FetchSecret(ctx context.Context, path string) (string, error)
}

// Resolved is a secret plus the tier that produced it.
type Resolved struct {
	Secret string
	Source string // "static" | "tenant-keys" | "registry"
}

type cacheEntry struct {
	value     Resolved
	expiresAt time.Time
}

type valueEntry struct {
	value     string
	expiresAt time.Time
}

// Resolver walks the secret source chain for (agentId, officeId) pairs.
type Resolver struct {
	registry RegistryAPI
	store    SecretStore
	ttl      time.Duration

	mu          sync.Mutex
	resolutions map[string]cacheEntry // "officeId:agentId" -> resolved secret
	tenantBlobs map[string]valueEntry // secret-store path -> raw blob
	loggedPaths map[string]struct{}   // announce each path once
}

// NewResolver creates a Resolver. ttl <= 0 selects DefaultTTL.
func NewResolver(registry RegistryAPI, store SecretStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		registry:    registry,
		store:       store,
		ttl:         ttl,
		resolutions: map[string]cacheEntry{},
		tenantBlobs: map[string]valueEntry{},
		loggedPaths: map[string]struct{}{},
	}
}

// Resolve returns the presence secret for an agent, or nil when no tier
// yields one.
func (r *Resolver) Resolve(ctx context.Context, agentID, officeID string) *Resolved {
	if officeID == "" {
		for _, env := range officeIDEnvs {
			if v := os.Getenv(env); v != "" {
				officeID = v
				break
			}
		}
	}

	// Tier 1: static env secret, no office lookup needed.
	for _, env := range staticSecretEnvs {
		if v := os.Getenv(env); v != "" {
			return &Resolved{Secret: v, Source: "static"}
		}
	}

	cacheKey := officeID + ":" + types.NormalizeAgentID(agentID)
	r.mu.Lock()
	if entry, ok := r.resolutions[cacheKey]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return &entry.value
	}
	r.mu.Unlock()

	var resolved *Resolved

	// Tier 2: office tenant keys.
	if officeID != "" {
		if secret := r.fromTenantKeys(ctx, officeID); secret != "" {
			resolved = &Resolved{Secret: secret, Source: "tenant-keys"}
		}
	}

	// Tier 3: per-agent credential from the Registry.
	if resolved == nil && officeID != "" && agentID != "" && r.registry != nil {
		if secret := r.registry.AgentCredential(ctx, officeID, agentID); secret != "" {
			resolved = &Resolved{Secret: secret, Source: "registry"}
		}
	}

	if resolved == nil {
		return nil
	}

	r.mu.Lock()
	r.resolutions[cacheKey] = cacheEntry{value: *resolved, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return resolved
}

// fromTenantKeys walks the office's tenant keys for the presence secret.
func (r *Resolver) fromTenantKeys(ctx context.Context, officeID string) string {
	if r.registry == nil || r.store == nil {
		return ""
	}

	for _, key := range r.registry.TenantKeys(ctx, officeID) {
		if strings.ToLower(key.KeyType) != tenantKeyType {
			continue
		}
		path := tenantKeyPath(key)
		if path == "" {
			continue
		}

		blob, err := r.fetchTenantBlob(ctx, path)
		if err != nil {
			logging.Warn(ctx, "Failed to fetch tenant secret blob",
				zap.String("path", path), zap.Error(err))
			continue
		}

		if secret := extractSecret(blob); secret != "" {
			r.mu.Lock()
			_, announced := r.loggedPaths[path]
			r.loggedPaths[path] = struct{}{}
			r.mu.Unlock()
			if !announced {
				logging.Info(ctx, "Loaded presence secret from tenant keys",
					zap.String("path", path), zap.String("officeId", officeID))
			}
			return secret
		}
	}
	return ""
}

// tenantKeyPath picks the first metadata path, falling back to secretsPath.
func tenantKeyPath(key types.TenantKey) string {
	if paths, ok := key.Metadata["paths"].([]any); ok {
		for _, p := range paths {
			if s, ok := p.(string); ok && s != "" {
				return s
			}
		}
	}
	return key.SecretsPath
}

// fetchTenantBlob loads a secret blob with a per-path TTL cache.
func (r *Resolver) fetchTenantBlob(ctx context.Context, path string) (string, error) {
	r.mu.Lock()
	if entry, ok := r.tenantBlobs[path]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.value, nil
	}
	r.mu.Unlock()

	blob, err := r.store.FetchSecret(ctx, path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.tenantBlobs[path] = valueEntry{value: blob, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return blob, nil
}

// extractSecret parses a blob as either a JSON object or KEY=VALUE lines and
// returns the first non-empty candidate value.
func extractSecret(blob string) string {
	trimmed := strings.TrimSpace(blob)
	if trimmed == "" {
		return ""
	}

	values := map[string]string{}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			for k, v := range obj {
				if s, ok := v.(string); ok {
					values[k] = s
				}
			}
		}
	} else {
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, found := strings.Cut(line, "=")
			if !found {
				continue
			}
			values[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}

	for _, candidate := range tenantSecretKeys {
		if v := values[candidate]; v != "" {
			return v
		}
	}
	return ""
}
