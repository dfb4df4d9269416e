package postgres

import (
	"database/sql"
	"fmt"
)

// statements are ordered; links references projects, answers and flags
// reference links.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id                 text PRIMARY KEY,
		name               text NOT NULL,
		status             text NOT NULL DEFAULT 'draft',
		target_completions integer NOT NULL,
		survey_url         text NOT NULL,
		flow               jsonb,
		created_at         timestamptz NOT NULL DEFAULT now(),
		updated_at         timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS vendor_quotas (
		project_id text NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		vendor_id  text NOT NULL,
		ceiling    integer NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (project_id, vendor_id)
	)`,

	`CREATE TABLE IF NOT EXISTS links (
		uid              text PRIMARY KEY,
		project_id       text NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		vendor_id        text NOT NULL DEFAULT '',
		variant          text NOT NULL,
		status           text NOT NULL DEFAULT 'UNUSED',
		current_question text NOT NULL DEFAULT '',
		geo_allow        text[],
		country          text NOT NULL DEFAULT '',
		client_meta      jsonb,
		issued_at        timestamptz NOT NULL DEFAULT now(),
		clicked_at       timestamptz,
		completed_at     timestamptz,
		last_seen_at     timestamptz,
		updated_at       timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_links_project ON links(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_links_project_status ON links(project_id, status)`,

	`CREATE TABLE IF NOT EXISTS answers (
		id          bigserial PRIMARY KEY,
		link_uid    text NOT NULL REFERENCES links(uid) ON DELETE CASCADE,
		question_id text NOT NULL,
		value       text NOT NULL,
		rechallenge boolean NOT NULL DEFAULT false,
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_answers_link ON answers(link_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_answers_link_question ON answers(link_uid, question_id)`,

	`CREATE TABLE IF NOT EXISTS flags (
		id         bigserial PRIMARY KEY,
		link_uid   text NOT NULL REFERENCES links(uid) ON DELETE CASCADE,
		reason     text NOT NULL,
		metadata   jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flags_link ON flags(link_uid)`,
}

// Migrate applies the schema. Every statement is idempotent so the tool
// can run on every deploy.
func Migrate(db *sql.DB) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
