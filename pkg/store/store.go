package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/awt-go/pkg/graph"

	_ "modernc.org/sqlite"
)

// SaveDebounce is how long a scheduled save coalesces mutation bursts
// before hitting the database.
const SaveDebounce = 500 * time.Millisecond

/*
Store is the durable, indexed persistence layer for the memory graph. It
wraps a single-writer SQLite database in WAL mode; every operation returns
the backend error so callers can retry or degrade to memory-only.
*/
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	saveTimer *time.Timer
}

/*
Open opens (or creates) the database at path and initializes the schema.
*/
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if err := initSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

/*
Close cancels any pending scheduled save without running it and closes
the database; mutations still inside the SaveDebounce window are not
written.
*/
func (s *Store) Close() error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()

	return s.db.Close()
}

// --- nodes -------------------------------------------------------------

func (s *Store) PutNode(ctx context.Context, node *graph.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, type, platform, session_id, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			platform = excluded.platform,
			session_id = excluded.session_id,
			created_at = excluded.created_at,
			doc = excluded.doc`,
		node.ID, string(node.Type), node.Platform, node.SessionID,
		node.CreatedAt.UnixMilli(), string(doc),
	)
	return err
}

func (s *Store) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM nodes WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		return nil, err
	}

	var node graph.Node
	if err := json.Unmarshal([]byte(doc), &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node %s: %w", id, err)
	}
	return &node, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	return err
}

func (s *Store) GetAllNodes(ctx context.Context) ([]*graph.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanNodes(rows)
}

/*
NodesCreatedSince returns nodes with created_at at or after the cutoff,
newest first (a reversed index cursor).
*/
func (s *Store) NodesCreatedSince(ctx context.Context, cutoff time.Time) ([]*graph.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM nodes WHERE created_at >= ? ORDER BY created_at DESC`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanNodes(rows)
}

/*
NodesByType returns nodes of one type, optionally narrowed to a platform
through the composite index.
*/
func (s *Store) NodesByType(ctx context.Context, nodeType graph.NodeType, platform string) ([]*graph.Node, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if platform == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT doc FROM nodes WHERE type = ?`, string(nodeType))
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT doc FROM nodes WHERE type = ? AND platform = ?`, string(nodeType), platform)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]*graph.Node, error) {
	var nodes []*graph.Node
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var node graph.Node
		if err := json.Unmarshal([]byte(doc), &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node: %w", err)
		}
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// --- edges -------------------------------------------------------------

func (s *Store) PutEdge(ctx context.Context, edge *graph.Edge) error {
	doc, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("failed to marshal edge: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edges (id, type, source_id, target_id, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			doc = excluded.doc`,
		edge.ID, string(edge.Type), edge.SourceID, edge.TargetID, string(doc),
	)
	return err
}

func (s *Store) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM edges WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		return nil, err
	}

	var edge graph.Edge
	if err := json.Unmarshal([]byte(doc), &edge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edge %s: %w", id, err)
	}
	return &edge, nil
}

func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
	return err
}

func (s *Store) GetAllEdges(ctx context.Context) ([]*graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*graph.Edge
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var edge graph.Edge
		if err := json.Unmarshal([]byte(doc), &edge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal edge: %w", err)
		}
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

// --- sessions ----------------------------------------------------------

func (s *Store) PutSession(ctx context.Context, session *graph.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	active := 0
	if session.IsActive {
		active = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, platform, started_at, is_active, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			started_at = excluded.started_at,
			is_active = excluded.is_active,
			doc = excluded.doc`,
		session.ID, session.Platform, session.StartedAt.UnixMilli(), active, string(doc),
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*graph.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		return nil, err
	}

	var session graph.Session
	if err := json.Unmarshal([]byte(doc), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *Store) GetAllSessions(ctx context.Context) ([]*graph.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*graph.Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var session graph.Session
		if err := json.Unmarshal([]byte(doc), &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// --- meta --------------------------------------------------------------

func (s *Store) PutMeta(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal meta %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(data),
	)
	return err
}

func (s *Store) GetMeta(ctx context.Context, key string, out any) error {
	var value string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value); err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), out)
}

// --- bulk --------------------------------------------------------------

/*
SaveGraph writes the full snapshot in one transaction, replacing every
collection and recording meta.stats and meta.lastSaved.
*/
func (s *Store) SaveGraph(ctx context.Context, snapshot graph.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"nodes", "edges", "sessions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, node := range snapshot.Nodes {
		doc, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to marshal node: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, type, platform, session_id, created_at, doc)
			VALUES (?, ?, ?, ?, ?, ?)`,
			node.ID, string(node.Type), node.Platform, node.SessionID,
			node.CreatedAt.UnixMilli(), string(doc),
		); err != nil {
			return fmt.Errorf("failed to write node %s: %w", node.ID, err)
		}
	}

	for _, edge := range snapshot.Edges {
		doc, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("failed to marshal edge: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (id, type, source_id, target_id, doc)
			VALUES (?, ?, ?, ?, ?)`,
			edge.ID, string(edge.Type), edge.SourceID, edge.TargetID, string(doc),
		); err != nil {
			return fmt.Errorf("failed to write edge %s: %w", edge.ID, err)
		}
	}

	for _, session := range snapshot.Sessions {
		doc, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		active := 0
		if session.IsActive {
			active = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, platform, started_at, is_active, doc)
			VALUES (?, ?, ?, ?, ?)`,
			session.ID, session.Platform, session.StartedAt.UnixMilli(), active, string(doc),
		); err != nil {
			return fmt.Errorf("failed to write session %s: %w", session.ID, err)
		}
	}

	stats, err := json.Marshal(snapshot.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	for _, pair := range [][2]string{
		{"stats", string(stats)},
		{"lastSaved", fmt.Sprintf("%d", time.Now().UnixMilli())},
		{"activeSessionId", fmt.Sprintf("%q", snapshot.ActiveSessionID)},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			pair[0], pair[1],
		); err != nil {
			return fmt.Errorf("failed to write meta %s: %w", pair[0], err)
		}
	}

	return tx.Commit()
}

/*
LoadGraph reads all three collections and reconstructs a snapshot; the
in-memory graph rebuilds its indices from these primary records.
*/
func (s *Store) LoadGraph(ctx context.Context) (graph.Snapshot, error) {
	var snapshot graph.Snapshot

	nodes, err := s.GetAllNodes(ctx)
	if err != nil {
		return snapshot, err
	}
	edges, err := s.GetAllEdges(ctx)
	if err != nil {
		return snapshot, err
	}
	sessions, err := s.GetAllSessions(ctx)
	if err != nil {
		return snapshot, err
	}

	snapshot.Nodes = nodes
	snapshot.Edges = edges
	snapshot.Sessions = sessions

	if err := s.GetMeta(ctx, "stats", &snapshot.Stats); err != nil && err != sql.ErrNoRows {
		return snapshot, err
	}
	if err := s.GetMeta(ctx, "activeSessionId", &snapshot.ActiveSessionID); err != nil && err != sql.ErrNoRows {
		return snapshot, err
	}

	return snapshot, nil
}

/*
ScheduleSave arms (or re-arms) a debounced SaveGraph so mutation bursts
coalesce into one write.
*/
func (s *Store) ScheduleSave(g *graph.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}

	s.saveTimer = time.AfterFunc(SaveDebounce, func() {
		if err := s.SaveGraph(context.Background(), g.ToSnapshot()); err != nil {
			log.Error("scheduled graph save failed", "error", err)
		}
	})
}
