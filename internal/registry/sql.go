package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/pkg/models"
)

// SQLRegistry stores sessions in the agent_sessions table.
type SQLRegistry struct {
	db  database.Store
	now func() time.Time
}

var _ Registry = (*SQLRegistry)(nil)

// NewSQLRegistry creates a table-backed registry
func NewSQLRegistry(db database.Store) *SQLRegistry {
	return &SQLRegistry{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const selectSessions = `
	SELECT session_id, workspace_id, plan_id, agent_type, current_phase,
		claimed_steps_json, files_in_scope_json, materialized_path, status,
		started_at, updated_at, ended_at
	FROM agent_sessions
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*models.Session, error) {
	s := &models.Session{}
	var claimedJSON, filesJSON, status string
	var endedAt sql.NullTime
	err := row.Scan(
		&s.SessionID,
		&s.WorkspaceID,
		&s.PlanID,
		&s.AgentType,
		&s.CurrentPhase,
		&claimedJSON,
		&filesJSON,
		&s.MaterializedPath,
		&status,
		&s.StartedAt,
		&s.UpdatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if err := json.Unmarshal([]byte(claimedJSON), &s.ClaimedSteps); err != nil {
		return nil, fmt.Errorf("failed to decode claimed steps for %s: %w", s.SessionID, err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &s.FilesInScope); err != nil {
		return nil, fmt.Errorf("failed to decode files in scope for %s: %w", s.SessionID, err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}

func encodeLists(s *models.Session) (string, string, error) {
	claimed, err := json.Marshal(s.ClaimedSteps)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode claimed steps: %w", err)
	}
	files, err := json.Marshal(s.FilesInScope)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode files in scope: %w", err)
	}
	return string(claimed), string(files), nil
}

func getSession(ctx context.Context, q database.Querier, sessionID string) (*models.Session, error) {
	s, err := scanSession(q.QueryRowContext(ctx, selectSessions+" WHERE session_id = ?", sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func writeSession(ctx context.Context, q database.Querier, s *models.Session) error {
	claimed, files, err := encodeLists(s)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE agent_sessions
		SET plan_id = ?, agent_type = ?, current_phase = ?, claimed_steps_json = ?,
			files_in_scope_json = ?, materialized_path = ?, status = ?, updated_at = ?, ended_at = ?
		WHERE session_id = ?
	`, s.PlanID, s.AgentType, s.CurrentPhase, claimed, files, s.MaterializedPath,
		string(s.Status), s.UpdatedAt, s.EndedAt, s.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// Register upserts s. On return s carries the stored start time.
func (r *SQLRegistry) Register(ctx context.Context, s *models.Session) error {
	if err := prepare(s, r.now()); err != nil {
		return err
	}
	claimed, files, err := encodeLists(s)
	if err != nil {
		return err
	}

	return r.db.WithTx(ctx, func(q database.Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO agent_sessions (
				session_id, workspace_id, plan_id, agent_type, current_phase,
				claimed_steps_json, files_in_scope_json, materialized_path, status,
				started_at, updated_at, ended_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
				workspace_id = excluded.workspace_id,
				plan_id = excluded.plan_id,
				agent_type = excluded.agent_type,
				current_phase = excluded.current_phase,
				claimed_steps_json = excluded.claimed_steps_json,
				files_in_scope_json = excluded.files_in_scope_json,
				materialized_path = excluded.materialized_path,
				status = excluded.status,
				updated_at = excluded.updated_at,
				ended_at = excluded.ended_at
		`, s.SessionID, s.WorkspaceID, s.PlanID, s.AgentType, s.CurrentPhase,
			claimed, files, s.MaterializedPath, string(s.Status),
			s.StartedAt, s.UpdatedAt, s.EndedAt)
		if err != nil {
			return fmt.Errorf("failed to register session: %w", err)
		}

		if err := q.QueryRowContext(ctx,
			"SELECT started_at FROM agent_sessions WHERE session_id = ?", s.SessionID,
		).Scan(&s.StartedAt); err != nil {
			return fmt.Errorf("failed to read session start: %w", err)
		}
		return nil
	})
}

// ActivePeers returns active sessions in workspaceID other than
// excludeSessionID, oldest first.
func (r *SQLRegistry) ActivePeers(ctx context.Context, workspaceID, excludeSessionID string) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, selectSessions+`
		WHERE workspace_id = ? AND status = ? AND session_id <> ?
		ORDER BY started_at, session_id
	`, workspaceID, string(models.SessionStatusActive), excludeSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	peers := []*models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		peers = append(peers, s)
	}
	return peers, rows.Err()
}

// Resync applies u inside one transaction.
func (r *SQLRegistry) Resync(ctx context.Context, sessionID string, u Update) (*models.Session, error) {
	return r.ResyncFunc(ctx, sessionID, func(*models.Session) Update { return u })
}

// ResyncFunc reads, rebuilds and writes the session inside one
// transaction. The row is locked before it is read so concurrent resyncs
// of one session apply in turn.
func (r *SQLRegistry) ResyncFunc(ctx context.Context, sessionID string, build func(*models.Session) Update) (*models.Session, error) {
	var updated *models.Session
	err := r.db.WithTx(ctx, func(q database.Querier) error {
		if _, err := q.ExecContext(ctx,
			"UPDATE agent_sessions SET updated_at = updated_at WHERE session_id = ?", sessionID,
		); err != nil {
			return fmt.Errorf("failed to lock session: %w", err)
		}
		s, err := getSession(ctx, q, sessionID)
		if err != nil {
			return err
		}
		build(s).apply(s, r.now())
		if err := writeSession(ctx, q, s); err != nil {
			return err
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// End marks a session handed off or completed. Ended sessions are kept for
// history but never returned as peers.
func (r *SQLRegistry) End(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	if err := validateEndStatus(status); err != nil {
		return nil, err
	}
	var ended *models.Session
	err := r.db.WithTx(ctx, func(q database.Querier) error {
		s, err := getSession(ctx, q, sessionID)
		if err != nil {
			return err
		}
		now := r.now()
		s.Status = status
		s.UpdatedAt = now
		s.EndedAt = &now
		if err := writeSession(ctx, q, s); err != nil {
			return err
		}
		ended = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

// Get retrieves a session by ID
func (r *SQLRegistry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSession(ctx, r.db, sessionID)
}
