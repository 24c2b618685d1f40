package archive

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS research_sessions (
	id           TEXT PRIMARY KEY,
	topic        TEXT NOT NULL,
	state        TEXT NOT NULL,
	review_cycle INT  NOT NULL DEFAULT 0,
	error        TEXT,
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS research_events (
	session_id TEXT   NOT NULL,
	seq        BIGINT NOT NULL,
	type       TEXT   NOT NULL,
	message    TEXT,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_research_sessions_completed
	ON research_sessions (completed_at DESC);
`

// EnsureSchema creates the archive tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
