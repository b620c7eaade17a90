package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/p-blackswan/agent-broker/internal/apperr"
)

// maxIdentityBlob caps each of the five free-text identity fields.
const maxIdentityBlob = 64 * 1024

const agentColumns = `id, name, is_lead, status, role, capabilities, max_tasks,
	persona, instructions, appearance, memory_summary, scratchpad,
	empty_poll_count, created_at, last_updated`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	a := &Agent{}
	var role, persona, instructions, appearance, memorySummary, scratchpad sql.NullString
	var capabilities string

	err := row.Scan(
		&a.ID, &a.Name, &a.IsLead, &a.Status, &role, &capabilities, &a.MaxTasks,
		&persona, &instructions, &appearance, &memorySummary, &scratchpad,
		&a.EmptyPollCount, &a.CreatedAt, &a.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	a.Role = role.String
	a.Persona = persona.String
	a.Instructions = instructions.String
	a.Appearance = appearance.String
	a.MemorySummary = memorySummary.String
	a.Scratchpad = scratchpad.String
	if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
		a.Capabilities = nil
	}
	return a, nil
}

func validateIdentityBlobs(a *Agent) error {
	for name, blob := range map[string]string{
		"persona":        a.Persona,
		"instructions":   a.Instructions,
		"appearance":     a.Appearance,
		"memory_summary": a.MemorySummary,
		"scratchpad":     a.Scratchpad,
	} {
		if len(blob) > maxIdentityBlob {
			return fmt.Errorf("%w: identity field %s exceeds 64 KiB", apperr.ErrValidation, name)
		}
	}
	return nil
}

// UpsertAgent registers an agent (idempotent). If the id exists, an offline
// agent flips to idle and max_tasks is updated when provided (>0). Resets
// the empty-poll counter either way. Returns the stored row.
func (s *Store) UpsertAgent(a *Agent) (*Agent, error) {
	if err := validateIdentityBlobs(a); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	existing, err := s.getAgentLocked(a.ID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if a.MaxTasks <= 0 {
			a.MaxTasks = 1
		}
		if a.Status == "" {
			a.Status = AgentIdle
		}
		caps, _ := json.Marshal(a.Capabilities)
		if a.Capabilities == nil {
			caps = []byte("[]")
		}
		a.CreatedAt = now
		a.LastUpdated = now

		_, err := s.db.Exec(`
		INSERT INTO agents (id, name, is_lead, status, role, capabilities, max_tasks,
			persona, instructions, appearance, memory_summary, scratchpad,
			empty_poll_count, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			a.ID, a.Name, a.IsLead, a.Status,
			nullString(a.Role), string(caps), a.MaxTasks,
			nullString(a.Persona), nullString(a.Instructions), nullString(a.Appearance),
			nullString(a.MemorySummary), nullString(a.Scratchpad),
			now, now,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, apperr.NewConflict("agents.name", fmt.Sprintf("agent name %q is already taken", a.Name))
			}
			return nil, fmt.Errorf("failed to insert agent: %w", err)
		}
		return a, nil
	}

	// Existing registration: revive if offline, refresh max_tasks.
	status := existing.Status
	if status == AgentOffline {
		status = AgentIdle
	}
	maxTasks := existing.MaxTasks
	if a.MaxTasks > 0 {
		maxTasks = a.MaxTasks
	}

	_, err = s.db.Exec(`
	UPDATE agents SET status = ?, max_tasks = ?, empty_poll_count = 0, last_updated = ?
	WHERE id = ?`, status, maxTasks, now, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	existing.Status = status
	existing.MaxTasks = maxTasks
	existing.EmptyPollCount = 0
	existing.LastUpdated = now
	return existing, nil
}

func (s *Store) getAgentLocked(id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by id. Returns nil if not found.
func (s *Store) GetAgent(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAgentLocked(id)
}

// GetAgentTx retrieves an agent inside a transaction.
func (s *Store) GetAgentTx(tx *sql.Tx, id string) (*Agent, error) {
	a, err := scanAgent(tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName retrieves an agent by name (case-insensitive).
func (s *Store) GetAgentByName(name string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ? COLLATE NOCASE`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents() ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// LeadAgent returns the first lead agent, or nil if none exists.
func (s *Store) LeadAgent() (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := scanAgent(s.db.QueryRow(`SELECT ` + agentColumns + ` FROM agents WHERE is_lead = 1 ORDER BY created_at LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead agent: %w", err)
	}
	return a, nil
}

// CountOnlineWorkers counts non-lead agents that are not offline.
func (s *Store) CountOnlineWorkers() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE is_lead = 0 AND status != ?`, AgentOffline).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return n, nil
}

// CountOnlineAgents counts agents that are not offline.
func (s *Store) CountOnlineAgents() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE status != ?`, AgentOffline).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

// SetAgentStatus updates an agent's status and last_updated.
func (s *Store) SetAgentStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE agents SET status = ?, last_updated = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SetAgentStatusTx updates an agent's status inside a transaction.
func (s *Store) SetAgentStatusTx(tx *sql.Tx, id, status string) error {
	_, err := tx.Exec(`UPDATE agents SET status = ?, last_updated = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return nil
}

// TouchAgent bumps last_updated (ping).
func (s *Store) TouchAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE agents SET last_updated = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// BumpEmptyPolls increments the empty-poll counter.
func (s *Store) BumpEmptyPolls(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE agents SET empty_poll_count = empty_poll_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump empty polls: %w", err)
	}
	return nil
}

// ResetEmptyPollsTx clears the empty-poll counter after a trigger delivery.
func (s *Store) ResetEmptyPollsTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`UPDATE agents SET empty_poll_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reset empty polls: %w", err)
	}
	return nil
}

// UpdateAgentIdentity replaces the five identity blobs.
func (s *Store) UpdateAgentIdentity(a *Agent) error {
	if err := validateIdentityBlobs(a); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	UPDATE agents SET persona = ?, instructions = ?, appearance = ?,
		memory_summary = ?, scratchpad = ?, last_updated = ?
	WHERE id = ?`,
		nullString(a.Persona), nullString(a.Instructions), nullString(a.Appearance),
		nullString(a.MemorySummary), nullString(a.Scratchpad),
		time.Now().UnixMilli(), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent identity: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// MarkStaleAgentsOffline flips agents whose last_updated is older than
// cutoffMS to offline. Startup recovery; returns affected count.
func (s *Store) MarkStaleAgentsOffline(cutoffMS int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE agents SET status = ? WHERE status != ? AND last_updated < ?`,
		AgentOffline, AgentOffline, cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale agents offline: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
