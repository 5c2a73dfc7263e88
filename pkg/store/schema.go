package store

import (
	"context"
	"database/sql"
)

// Schema: primary tables carry the full JSON document per record plus the
// columns the secondary indices need. Index consistency is therefore free;
// every write refreshes both the document and its indexed columns.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	platform        TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	doc             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
CREATE INDEX IF NOT EXISTS idx_nodes_platform ON nodes(platform);
CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_id);
CREATE INDEX IF NOT EXISTS idx_nodes_created ON nodes(created_at);
CREATE INDEX IF NOT EXISTS idx_nodes_type_platform ON nodes(type, platform);

CREATE TABLE IF NOT EXISTS edges (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	source_id       TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	doc             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
CREATE INDEX IF NOT EXISTS idx_edges_source_target ON edges(source_id, target_id);

CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	platform        TEXT NOT NULL DEFAULT '',
	started_at      INTEGER NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 0,
	doc             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_platform ON sessions(platform);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(is_active);

CREATE TABLE IF NOT EXISTS meta (
	key             TEXT PRIMARY KEY,
	value           TEXT NOT NULL
);
`

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
