package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vericase/deepresearch/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access and avoids "database is locked" under concurrent sessions.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the connection so the evidence corpus can share the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put writes a new revision of the session and its audit snapshot atomically.
func (s *SQLiteStore) Put(ctx context.Context, sess *models.Session) error {
	if err := prepare(sess); err != nil {
		return err
	}
	data, err := encode(sess)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if sess.Revision == 1 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists > 0 {
			return conflict(sess.ID, sess.Revision)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, scope_kind, scope_id, topic, state, revision, plan_version, snapshot, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Scope.Kind, sess.Scope.ID, sess.Topic, sess.State, sess.Revision,
			sess.CurrentPlanVersion(), string(data), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, revision = ?, plan_version = ?, snapshot = ?, updated_at = ?
			WHERE id = ? AND revision = ?`,
			sess.State, sess.Revision, sess.CurrentPlanVersion(), string(data), sess.UpdatedAt.UTC(),
			sess.ID, sess.Revision-1,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", sess.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check session: %w", err)
			}
			if exists == 0 {
				return notFound(sess.ID)
			}
			return conflict(sess.ID, sess.Revision)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, revision, state, updated_at, snapshot) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Revision, sess.State, sess.UpdatedAt.UTC(), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM sessions WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decode([]byte(data))
}

// ListByScope returns summaries newest first.
func (s *SQLiteStore) ListByScope(ctx context.Context, scope models.Scope) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, state, plan_version, created_at, updated_at
		FROM sessions WHERE scope_kind = ? AND scope_id = ?
		ORDER BY created_at DESC, id DESC`,
		scope.Kind, scope.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []models.SessionSummary{}
	for rows.Next() {
		var sum models.SessionSummary
		var state string
		if err := rows.Scan(&sum.ID, &sum.Topic, &state, &sum.PlanVersion, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.State = models.State(state)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ListActive returns every session not in a terminal state, oldest first.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM sessions WHERE state NOT IN (?, ?, ?) ORDER BY created_at, id`,
		models.StateCompleted, models.StateFailed, models.StateCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// History returns every stored revision in ascending order.
func (s *SQLiteStore) History(ctx context.Context, id string) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT revision, state, updated_at, snapshot FROM session_snapshots WHERE session_id = ? ORDER BY revision`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		var (
			snap  models.Snapshot
			state string
			data  string
		)
		if err := rows.Scan(&snap.Revision, &state, &snap.UpdatedAt, &data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		sess, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		snap.SessionID = id
		snap.State = models.State(state)
		snap.Session = sess
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(id)
	}
	return out, nil
}
