// Package catalog persists the agent/subagent registry the router routes
// against, plus the embedding vectors used for retrieval.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentrouter/internal/bus"
	"github.com/basket/agentrouter/internal/otel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// schema v1: agents + subagents tables.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ar-v1-2026-07-02-catalog"

	// schema v2: adds vectors table for retrieval.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ar-v2-2026-07-18-vectors"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned when a catalog lookup matches nothing.
var ErrNotFound = errors.New("catalog: not found")

// Agent is a routable entry in the catalog.
type Agent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Subagents    []Subagent `json:"subagents,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Subagent is a specialized entry nested under an agent.
type Subagent struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the sqlite-backed catalog.
type Store struct {
	db      *sql.DB
	bus     *bus.Bus
	metrics *otel.Metrics
}

// SetMetrics attaches metric instruments to the store. Optional; without
// them ingests only publish bus events.
func (s *Store) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, errors.New("catalog: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("database schema version %d newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch at version %d: got %q, want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion < schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT NOT NULL DEFAULT '',
				capabilities TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE TABLE IF NOT EXISTS subagents (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				capabilities TEXT NOT NULL DEFAULT '[]',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(agent_id, name)
			);
			CREATE INDEX IF NOT EXISTS idx_subagents_agent ON subagents(agent_id);
		`); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if err := recordMigration(ctx, tx, schemaVersionV1, schemaChecksumV1); err != nil {
			return err
		}
	}

	if maxVersion < schemaVersionV2 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS vectors (
				entry_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL CHECK (kind IN ('agent', 'subagent')),
				dim INTEGER NOT NULL,
				embedding BLOB NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
		if err := recordMigration(ctx, tx, schemaVersionV2, schemaChecksumV2); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func recordMigration(ctx context.Context, tx *sql.Tx, version int, checksum string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, version, checksum); err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	return nil
}

// UpsertAgent inserts or updates an agent by name and returns its id.
func (s *Store) UpsertAgent(ctx context.Context, name, description string, capabilities []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("catalog: agent name must be non-empty")
	}
	caps, err := json.Marshal(normalizeCaps(capabilities))
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}

	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, description, capabilities)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				capabilities = excluded.capabilities,
				updated_at = CURRENT_TIMESTAMP;
		`, id, name, description, string(caps))
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}

	// On conflict the existing row keeps its id; read it back.
	var storedID string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE name = ?;`, name).Scan(&storedID); err != nil {
		return "", fmt.Errorf("read agent id: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CatalogIngests.Add(ctx, 1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCatalogAgentIngested, bus.CatalogEvent{AgentID: storedID, Name: name})
	}
	return storedID, nil
}

// UpsertSubagent inserts or updates a subagent under agentID and returns its id.
func (s *Store) UpsertSubagent(ctx context.Context, agentID, name, description string, capabilities []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("catalog: subagent name must be non-empty")
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return "", err
	}
	caps, err := json.Marshal(normalizeCaps(capabilities))
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}

	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO subagents (id, agent_id, name, description, capabilities)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, name) DO UPDATE SET
				description = excluded.description,
				capabilities = excluded.capabilities,
				updated_at = CURRENT_TIMESTAMP;
		`, id, agentID, name, description, string(caps))
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("upsert subagent: %w", err)
	}

	var storedID string
	if err := s.db.QueryRowContext(ctx, `
		SELECT id FROM subagents WHERE agent_id = ? AND name = ?;
	`, agentID, name).Scan(&storedID); err != nil {
		return "", fmt.Errorf("read subagent id: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CatalogIngests.Add(ctx, 1)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCatalogSubagentIngested, bus.CatalogEvent{AgentID: agentID, SubagentID: storedID, Name: name})
	}
	return storedID, nil
}

// GetAgent returns an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.scanAgent(ctx, `SELECT id, name, description, capabilities, created_at, updated_at FROM agents WHERE id = ?;`, id)
}

// GetAgentByName returns an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	return s.scanAgent(ctx, `SELECT id, name, description, capabilities, created_at, updated_at FROM agents WHERE name = ?;`, strings.TrimSpace(name))
}

func (s *Store) scanAgent(ctx context.Context, query string, arg any) (*Agent, error) {
	var a Agent
	var caps string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.Name, &a.Description, &caps, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &a, nil
}

// GetSubagentByName returns the subagent with the given name under agentID.
func (s *Store) GetSubagentByName(ctx context.Context, agentID, name string) (*Subagent, error) {
	var sub Subagent
	var caps string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, name, description, capabilities, created_at, updated_at
		FROM subagents WHERE agent_id = ? AND name = ?;
	`, agentID, strings.TrimSpace(name)).Scan(&sub.ID, &sub.AgentID, &sub.Name, &sub.Description, &caps, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subagent: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &sub.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &sub, nil
}

// ListAgents returns all agents with their subagents, ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, capabilities, created_at, updated_at
		FROM agents ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	byID := map[string]int{}
	for rows.Next() {
		var a Agent
		var caps string
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &caps, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		byID[a.ID] = len(agents)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}

	subRows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, description, capabilities, created_at, updated_at
		FROM subagents ORDER BY agent_id, name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query subagents: %w", err)
	}
	defer subRows.Close()

	for subRows.Next() {
		var sub Subagent
		var caps string
		if err := subRows.Scan(&sub.ID, &sub.AgentID, &sub.Name, &sub.Description, &caps, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subagent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &sub.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		if idx, ok := byID[sub.AgentID]; ok {
			agents[idx].Subagents = append(agents[idx].Subagents, sub)
		}
	}
	if err := subRows.Err(); err != nil {
		return nil, fmt.Errorf("subagent rows: %w", err)
	}
	return agents, nil
}

// CountAgents returns the number of agents in the catalog.
func (s *Store) CountAgents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// Resolution is the result of resolving names to catalog ids.
type Resolution struct {
	AgentID    string
	AgentName  string
	SubagentID string // empty when no subagent resolved
}

// Resolve maps an agent name and optional subagent name to catalog ids.
// An unknown agent name returns ErrNotFound. An unknown subagent name is not
// an error: the resolution carries an empty SubagentID.
func (s *Store) Resolve(ctx context.Context, agentName, subagentName string) (Resolution, error) {
	agent, err := s.GetAgentByName(ctx, agentName)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{AgentID: agent.ID, AgentName: agent.Name}
	if strings.TrimSpace(subagentName) == "" {
		return res, nil
	}
	sub, err := s.GetSubagentByName(ctx, agent.ID, subagentName)
	if errors.Is(err, ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return Resolution{}, err
	}
	res.SubagentID = sub.ID
	return res, nil
}

func normalizeCaps(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
