// Package reconcile keeps the live room set and NPC roster in sync with the
// offices and agents the external Registry declares.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skyoffice/presence/internal/v1/directory"
	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/metrics"
	"github.com/skyoffice/presence/internal/v1/types"
)

// roomWaitAttempts bounds how long the agent sync waits for an async room
// creation to land in the directory.
const roomWaitAttempts = 8

// RegistryClient is the slice of the Registry client the reconciler needs.
type RegistryClient interface {
	Enabled() bool
	ListOffices(ctx context.Context) []types.RegistryOffice
	ListAgents(ctx context.Context, officeID string) []types.RegistryAgent
}

// Persistence is the slice of the sqlite store the reconciler needs.
type Persistence interface {
	ClearAllRooms(ctx context.Context) error
	ClearAllNpcs(ctx context.Context) error
	SaveNpc(ctx context.Context, npc types.NpcAssignment) error
}

// Options parametrise a Reconciler.
type Options struct {
	Registry       RegistryClient
	Directory      *directory.Directory
	Store          Persistence
	Matchmaker     types.Matchmaker
	BaseDomain     string
	DefaultVoiceID string
	Interval       time.Duration
}

// Reconciler drives periodic Registry synchronisation. Only one pass runs at
// a time; overlapping ticks return immediately.
type Reconciler struct {
	registry       RegistryClient
	directory      *directory.Directory
	store          Persistence
	matchmaker     types.Matchmaker
	baseDomain     string
	defaultVoiceID string
	interval       time.Duration

	inFlight atomic.Bool
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	baseDomain := opts.BaseDomain
	if baseDomain == "" {
		baseDomain = "office.xyz"
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{
		registry:       opts.Registry,
		directory:      opts.Directory,
		store:          opts.Store,
		matchmaker:     opts.Matchmaker,
		baseDomain:     baseDomain,
		defaultVoiceID: opts.DefaultVoiceID,
		interval:       interval,
	}
}

// Bootstrap wipes persisted rooms and NPCs, then runs one synchronisation
// pass. The Registry is the source of truth on startup.
func (r *Reconciler) Bootstrap(ctx context.Context) {
	if r.store != nil {
		if err := r.store.ClearAllRooms(ctx); err != nil {
			logging.Warn(ctx, "Failed to truncate persisted rooms", zap.Error(err))
		}
		if err := r.store.ClearAllNpcs(ctx); err != nil {
			logging.Warn(ctx, "Failed to truncate persisted NPCs", zap.Error(err))
		}
	}
	r.EnsureRegistryRooms(ctx)
}

// Run ticks EnsureRegistryRooms until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EnsureRegistryRooms(ctx)
		}
	}
}

// EnsureRegistryRooms makes the live room set match the Registry's office
// list: creates missing rooms, schedules per-office agent syncs, and prunes
// namespaces the Registry dropped.
func (r *Reconciler) EnsureRegistryRooms(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
		return
	}
	defer r.inFlight.Store(false)

	if r.registry == nil || !r.registry.Enabled() {
		return
	}

	offices := r.registry.ListOffices(ctx)
	if offices == nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}

	valid := make(map[string]struct{}, len(offices)*3)
	for _, office := range offices {
		if slug := types.NormalizeNamespace(office.NamespaceSlug); slug != "" {
			valid[slug] = struct{}{}
		}
		if domain := types.NormalizeNamespace(office.Domain); domain != "" {
			valid[domain] = struct{}{}
			valid[types.NamespaceHead(domain)] = struct{}{}
		}
	}

	for _, office := range offices {
		slug := types.NormalizeNamespace(office.NamespaceSlug)
		if slug == "" {
			continue
		}
		if _, ok := r.directory.GetByNamespace(slug); !ok {
			r.createOfficeRoom(ctx, office, slug)
		}
		go r.scheduleRegistryAgentSync(ctx, office)
	}

	r.directory.PruneNamespacesNotIn(ctx, valid)
	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
}

func (r *Reconciler) createOfficeRoom(ctx context.Context, office types.RegistryOffice, slug string) {
	displayName := office.DisplayName
	if displayName == "" {
		displayName = slug
	}
	_, err := r.matchmaker.CreateRoom(types.CreateRoomOptions{
		Type:          types.RoomTypePublic,
		Name:          slug,
		NamespaceSlug: slug,
		AutoDispose:   false,
		Metadata: map[string]any{
			"registryBacked":   true,
			"registryOfficeId": office.ID,
			"registryId":       office.ID,
			"registryDomain":   office.Domain,
			"registryStatus":   office.Status,
			"namespaceSlug":    slug,
			"displayName":      displayName,
			"registryMetadata": office.Metadata,
		},
	})
	if err != nil {
		logging.Error(ctx, "Failed to create registry room",
			zap.String("namespace", slug), zap.Error(err))
		return
	}
	logging.Info(ctx, "Created registry-backed room",
		zap.String("namespace", slug), zap.String("officeId", office.ID))
}

// scheduleRegistryAgentSync waits for the office's room to exist, then
// upserts every agent the Registry declares for it. Room creation is
// asynchronous, so poll with a short backoff before giving up.
func (r *Reconciler) scheduleRegistryAgentSync(ctx context.Context, office types.RegistryOffice) {
	slug := types.NormalizeNamespace(office.NamespaceSlug)

	var target interface {
		UpsertNpc(ctx context.Context, payload types.NpcPayload, opts types.UpsertOptions) (types.NpcAssignment, error)
	}
	for attempt := 1; attempt <= roomWaitAttempts; attempt++ {
		if room, ok := r.directory.GetByNamespace(slug); ok {
			target = room
			break
		}
		backoff := time.Duration(min64(500*int64(attempt), 3000)) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	if target == nil {
		logging.Warn(ctx, "Room never appeared for agent sync",
			zap.String("namespace", slug))
		return
	}

	for _, agent := range r.registry.ListAgents(ctx, office.ID) {
		payload := r.buildNpcPayload(office, agent)
		assignment, err := target.UpsertNpc(ctx, payload, types.UpsertOptions{SkipPersistence: true})
		if err != nil {
			logging.Warn(ctx, "Failed to upsert registry agent",
				zap.String("agentId", payload.AgentID), zap.Error(err))
			continue
		}
		// Persist directly so a save failure is visible here, not buried in
		// the room's best-effort write-through.
		if r.store != nil {
			if err := r.store.SaveNpc(ctx, assignment); err != nil {
				logging.Warn(ctx, "Failed to persist registry agent",
					zap.String("agentId", assignment.AgentID), zap.Error(err))
			}
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
