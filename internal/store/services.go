package store

import (
	"database/sql"
	"fmt"
	"time"
)

const serviceColumns = `id, agent_id, name, port, script, status, health_path, url,
	created_at, last_updated`

func scanService(row interface{ Scan(...any) error }) (*Service, error) {
	svc := &Service{}
	var script, healthPath, url sql.NullString

	err := row.Scan(&svc.ID, &svc.AgentID, &svc.Name, &svc.Port, &script,
		&svc.Status, &healthPath, &url, &svc.CreatedAt, &svc.LastUpdated)
	if err != nil {
		return nil, err
	}
	svc.Script = script.String
	svc.HealthPath = healthPath.String
	svc.URL = url.String
	return svc, nil
}

// UpsertService registers or updates a service keyed by (agent_id, name).
func (s *Store) UpsertService(svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if svc.CreatedAt == 0 {
		svc.CreatedAt = now
	}
	svc.LastUpdated = now
	if svc.Status == "" {
		svc.Status = "unknown"
	}

	_, err := s.db.Exec(`
	INSERT INTO services (id, agent_id, name, port, script, status, health_path, url, created_at, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id, name) DO UPDATE SET
		port = excluded.port, script = excluded.script, status = excluded.status,
		health_path = excluded.health_path, url = excluded.url, last_updated = excluded.last_updated`,
		svc.ID, svc.AgentID, svc.Name, svc.Port, nullString(svc.Script),
		svc.Status, nullString(svc.HealthPath), nullString(svc.URL),
		svc.CreatedAt, svc.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert service: %w", err)
	}
	return nil
}

// ListServices returns services, optionally scoped to one agent.
func (s *Store) ListServices(agentID string) ([]*Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + serviceColumns + ` FROM services`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY agent_id, name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// DeleteService removes one of the agent's services by name.
func (s *Store) DeleteService(agentID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM services WHERE agent_id = ? AND name = ?`, agentID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to delete service: %w", err)
	}
	return res.RowsAffected()
}
