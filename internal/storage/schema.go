package storage

// Migrations returns the schema, keyed by version.
func Migrations() map[int]string {
	return map[int]string{
		1: schemaDefinitions,
		2: schemaTasks,
		3: schemaNotifications,
	}
}

const schemaDefinitions = `
CREATE TABLE workflow_definitions (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	scope_type           TEXT NOT NULL,
	scope_id             TEXT NOT NULL DEFAULT '',
	trigger_event        TEXT NOT NULL,
	applies_to           TEXT NOT NULL,
	is_active            BOOLEAN NOT NULL DEFAULT TRUE,
	is_default           BOOLEAN NOT NULL DEFAULT FALSE,
	notification_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	require_all_steps    BOOLEAN NOT NULL DEFAULT TRUE,
	created_by           TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_workflow_definitions_scope
	ON workflow_definitions (scope_type, scope_id, applies_to) WHERE is_active;

CREATE TABLE workflow_steps (
	id                       TEXT PRIMARY KEY,
	workflow_id              TEXT NOT NULL REFERENCES workflow_definitions (id) ON DELETE CASCADE,
	sequence                 INTEGER NOT NULL,
	name                     TEXT NOT NULL,
	description              TEXT NOT NULL DEFAULT '',
	step_type                TEXT NOT NULL,
	action_required          TEXT NOT NULL,
	required_role            TEXT NOT NULL DEFAULT '',
	required_clearance_level INTEGER,
	allowed_user_ids         TEXT[] NOT NULL DEFAULT '{}',
	auto_assign_user_id      TEXT NOT NULL DEFAULT '',
	pool_enabled             BOOLEAN NOT NULL DEFAULT TRUE,
	is_optional              BOOLEAN NOT NULL DEFAULT FALSE,
	escalation_days          INTEGER,
	instructions             TEXT NOT NULL DEFAULT '',
	checklist                TEXT[] NOT NULL DEFAULT '{}',
	is_active                BOOLEAN NOT NULL DEFAULT TRUE,
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_workflow_steps_sequence UNIQUE (workflow_id, sequence) DEFERRABLE INITIALLY DEFERRED
);

CREATE TABLE procedure_configs (
	id             TEXT PRIMARY KEY,
	procedure_type TEXT NOT NULL,
	version        INTEGER NOT NULL,
	is_active      BOOLEAN NOT NULL DEFAULT FALSE,
	config         JSONB NOT NULL,
	created_by     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	activated_at   TIMESTAMPTZ,
	UNIQUE (procedure_type, version)
);

CREATE UNIQUE INDEX uq_procedure_configs_active
	ON procedure_configs (procedure_type) WHERE is_active;
`

const schemaTasks = `
CREATE TABLE tasks (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	object_id        TEXT NOT NULL,
	object_type      TEXT NOT NULL,
	workflow_id      TEXT NOT NULL DEFAULT '',
	current_step_id  TEXT NOT NULL DEFAULT '',
	procedure_type   TEXT NOT NULL DEFAULT '',
	current_state    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	assigned_to      TEXT,
	assigned_by      TEXT NOT NULL DEFAULT '',
	assigned_at      TIMESTAMPTZ,
	priority         TEXT NOT NULL DEFAULT 'medium',
	due_date         TIMESTAMPTZ,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	checklist        JSONB NOT NULL DEFAULT '[]',
	submitted_by     TEXT NOT NULL DEFAULT '',
	decision         TEXT NOT NULL DEFAULT '',
	decision_comment TEXT NOT NULL DEFAULT '',
	decision_by      TEXT NOT NULL DEFAULT '',
	decision_at      TIMESTAMPTZ,
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX uq_tasks_procedure
	ON tasks (object_type, object_id, procedure_type) WHERE kind = 'graph';
CREATE INDEX idx_tasks_object ON tasks (object_type, object_id);
CREATE INDEX idx_tasks_assignee ON tasks (assigned_to, status);
CREATE INDEX idx_tasks_pool ON tasks (status, priority, created_at) WHERE assigned_to IS NULL;
CREATE INDEX idx_tasks_due ON tasks (due_date) WHERE due_date IS NOT NULL;

CREATE TABLE task_history (
	seq            BIGINT GENERATED ALWAYS AS IDENTITY,
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	kind           TEXT NOT NULL,
	workflow_id    TEXT NOT NULL DEFAULT '',
	procedure_type TEXT NOT NULL DEFAULT '',
	object_id      TEXT NOT NULL,
	object_type    TEXT NOT NULL,
	action         TEXT NOT NULL,
	from_step_id   TEXT NOT NULL DEFAULT '',
	to_step_id     TEXT NOT NULL DEFAULT '',
	from_state     TEXT NOT NULL DEFAULT '',
	to_state       TEXT NOT NULL DEFAULT '',
	from_status    TEXT NOT NULL DEFAULT '',
	to_status      TEXT NOT NULL DEFAULT '',
	transition_key TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL,
	assigned_to    TEXT NOT NULL DEFAULT '',
	comment        TEXT NOT NULL DEFAULT '',
	metadata       JSONB,
	ip_address     TEXT NOT NULL DEFAULT '',
	user_agent     TEXT NOT NULL DEFAULT '',
	performed_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_task_history_task ON task_history (task_id, seq);
CREATE INDEX idx_task_history_object ON task_history (object_type, object_id, seq);
CREATE INDEX idx_task_history_recent ON task_history (seq DESC);
`

const schemaNotifications = `
CREATE TABLE notifications (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	email          TEXT NOT NULL DEFAULT '',
	task_id        TEXT NOT NULL DEFAULT '',
	object_id      TEXT NOT NULL DEFAULT '',
	object_type    TEXT NOT NULL DEFAULT '',
	procedure_type TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	subject        TEXT NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	link           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     TIMESTAMPTZ NOT NULL,
	read_at        TIMESTAMPTZ
);

CREATE INDEX idx_notifications_user ON notifications (user_id, status, created_at DESC);
CREATE INDEX idx_notifications_object ON notifications (object_type, object_id, procedure_type) WHERE status = 'pending';
`
