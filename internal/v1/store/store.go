// Package store persists custom rooms and NPC assignments to a local SQLite
// file so both survive restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/skyoffice/presence/internal/v1/logging"
	"github.com/skyoffice/presence/internal/v1/types"
)

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// PersistedRoom is one custom room row. Password holds the bcrypt hash, ""
// when the room is open.
type PersistedRoom struct {
	Name        string
	Description string
	Password    string
	AutoDispose bool
}

// New opens (creating if needed) the rooms database under dataDir and applies
// the schema.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "rooms.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			password TEXT,
			auto_dispose INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS npcs (
			agent_id TEXT PRIMARY KEY,
			registry_agent_id TEXT NOT NULL DEFAULT '',
			office_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			avatar_id TEXT NOT NULL DEFAULT '',
			workstation_id TEXT NOT NULL DEFAULT '',
			pos_x REAL NOT NULL DEFAULT 0,
			pos_y REAL NOT NULL DEFAULT 0,
			role TEXT NOT NULL DEFAULT '',
			computer_id TEXT NOT NULL DEFAULT '',
			voice_agent_id TEXT NOT NULL DEFAULT '',
			namespace_slug TEXT NOT NULL DEFAULT '',
			room_id TEXT NOT NULL DEFAULT '',
			assigned_at TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	// Columns added after the first release. Re-running ADD COLUMN on an
	// up-to-date database is expected and harmless.
	additive := []string{
		`ALTER TABLE npcs ADD COLUMN agent_metadata TEXT`,
	}
	for _, stmt := range additive {
		if _, err := s.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return err
		}
	}
	return nil
}

// --- rooms ---

// SaveRoom upserts one custom room row.
func (s *Store) SaveRoom(ctx context.Context, room PersistedRoom) error {
	var password any
	if room.Password != "" {
		password = room.Password
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rooms (name, description, password, auto_dispose)
		VALUES (?, ?, ?, ?)
	`, room.Name, room.Description, password, boolToInt(room.AutoDispose))
	if err != nil {
		return fmt.Errorf("save room %q: %w", room.Name, err)
	}
	return nil
}

// DeleteRoomByName removes one room row. Deleting a missing row is a no-op.
func (s *Store) DeleteRoomByName(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete room %q: %w", name, err)
	}
	return nil
}

// AllRooms returns every persisted room.
func (s *Store) AllRooms(ctx context.Context) ([]PersistedRoom, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, password, auto_dispose FROM rooms ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []PersistedRoom
	for rows.Next() {
		var room PersistedRoom
		var password sql.NullString
		var autoDispose int
		if err := rows.Scan(&room.Name, &room.Description, &password, &autoDispose); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.Password = password.String
		room.AutoDispose = autoDispose != 0
		out = append(out, room)
	}
	return out, rows.Err()
}

// ClearAllRooms truncates the rooms table.
func (s *Store) ClearAllRooms(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms`); err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}
	return nil
}

// --- npcs ---

// SaveNpc upserts one NPC assignment row.
func (s *Store) SaveNpc(ctx context.Context, npc types.NpcAssignment) error {
	var metadata any
	if npc.AgentMetadata != nil {
		data, err := json.Marshal(npc.AgentMetadata)
		if err != nil {
			logging.Warn(ctx, "Failed to serialize NPC metadata, storing without it",
				zap.String("agentId", npc.AgentID), zap.Error(err))
		} else {
			metadata = string(data)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO npcs (
			agent_id, registry_agent_id, office_id, name, avatar_id,
			workstation_id, pos_x, pos_y, role, computer_id, voice_agent_id,
			namespace_slug, room_id, assigned_at, agent_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, types.NormalizeAgentID(npc.AgentID), npc.RegistryAgentID, npc.OfficeID,
		npc.Name, npc.AvatarID, npc.WorkstationID, npc.Position.X, npc.Position.Y,
		npc.Role, npc.ComputerID, npc.VoiceAgentID, npc.NamespaceSlug, npc.RoomID,
		npc.AssignedAt, metadata)
	if err != nil {
		return fmt.Errorf("save npc %q: %w", npc.AgentID, err)
	}
	return nil
}

// RemoveNpc deletes one NPC assignment row. Missing rows are a no-op.
func (s *Store) RemoveNpc(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM npcs WHERE agent_id = ?`,
		types.NormalizeAgentID(agentID))
	if err != nil {
		return fmt.Errorf("remove npc %q: %w", agentID, err)
	}
	return nil
}

// AllNpcs returns every persisted NPC assignment.
func (s *Store) AllNpcs(ctx context.Context) ([]types.NpcAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, registry_agent_id, office_id, name, avatar_id,
		       workstation_id, pos_x, pos_y, role, computer_id, voice_agent_id,
		       namespace_slug, room_id, assigned_at, agent_metadata
		FROM npcs ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list npcs: %w", err)
	}
	defer rows.Close()

	var out []types.NpcAssignment
	for rows.Next() {
		var npc types.NpcAssignment
		var metadata sql.NullString
		if err := rows.Scan(&npc.AgentID, &npc.RegistryAgentID, &npc.OfficeID,
			&npc.Name, &npc.AvatarID, &npc.WorkstationID,
			&npc.Position.X, &npc.Position.Y, &npc.Role, &npc.ComputerID,
			&npc.VoiceAgentID, &npc.NamespaceSlug, &npc.RoomID,
			&npc.AssignedAt, &metadata); err != nil {
			return nil, fmt.Errorf("scan npc: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &npc.AgentMetadata); err != nil {
				// A corrupt blob loses the metadata, never the assignment.
				npc.AgentMetadata = nil
			}
		}
		out = append(out, npc)
	}
	return out, rows.Err()
}

// ClearAllNpcs truncates the npcs table.
func (s *Store) ClearAllNpcs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM npcs`); err != nil {
		return fmt.Errorf("clear npcs: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
