package database

import "fmt"

// schema is shared by Postgres and SQLite; both accept TIMESTAMP columns and
// ON CONFLICT upserts.
const schema = `
	-- Plans are the task graphs sessions collaborate on
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plan_phases (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phase_order INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE,
		UNIQUE(plan_id, phase_order)
	);

	CREATE TABLE IF NOT EXISTS plan_steps (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		phase_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		step_order INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_by TEXT NOT NULL DEFAULT '',
		completed_by TEXT,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE,
		FOREIGN KEY (phase_id) REFERENCES plan_phases(id) ON DELETE CASCADE,
		UNIQUE(plan_id, step_index)
	);

	-- Blocking edges: source_step_id blocks target_step_id
	CREATE TABLE IF NOT EXISTS step_dependencies (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		source_step_id TEXT NOT NULL,
		target_step_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		satisfied_at TIMESTAMP,
		FOREIGN KEY (source_step_id) REFERENCES plan_steps(id) ON DELETE CASCADE,
		FOREIGN KEY (target_step_id) REFERENCES plan_steps(id) ON DELETE CASCADE,
		UNIQUE(source_step_id, target_step_id)
	);

	-- Session registry (advisory peer visibility, not a lock)
	CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		plan_id TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL,
		current_phase TEXT NOT NULL DEFAULT '',
		claimed_steps_json TEXT NOT NULL DEFAULT '[]',
		files_in_scope_json TEXT NOT NULL DEFAULT '[]',
		materialized_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		started_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_plan_phases_plan_id ON plan_phases(plan_id);
	CREATE INDEX IF NOT EXISTS idx_plan_steps_plan_status ON plan_steps(plan_id, status);
	CREATE INDEX IF NOT EXISTS idx_step_dependencies_source ON step_dependencies(source_step_id);
	CREATE INDEX IF NOT EXISTS idx_step_dependencies_target ON step_dependencies(target_step_id);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_workspace ON agent_sessions(workspace_id, status);
	`

// initSchema creates the database tables
func (d *Database) initSchema() error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
