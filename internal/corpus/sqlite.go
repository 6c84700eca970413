package corpus

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vericase/deepresearch/internal/models"
)

// SQLite reads evidence from the corpus_scopes and evidence_items tables.
// The schema is created by the session store's migrations.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an open, migrated database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// focus areas are stored comma-wrapped (",a,b,") so a LIKE on ",a," matches exactly.
func encodeFocusAreas(fs []models.FocusArea) string {
	if len(fs) == 0 {
		return ""
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = string(f)
	}
	return "," + strings.Join(parts, ",") + ","
}

func decodeFocusAreas(s string) []models.FocusArea {
	var out []models.FocusArea
	for _, p := range strings.Split(strings.Trim(s, ","), ",") {
		if p != "" {
			out = append(out, models.FocusArea(p))
		}
	}
	return out
}

func (c *SQLite) scopeName(ctx context.Context, scope models.Scope) (string, error) {
	var name string
	err := c.db.QueryRowContext(ctx,
		`SELECT name FROM corpus_scopes WHERE kind = ? AND id = ?`, scope.Kind, scope.ID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	if err != nil {
		return "", fmt.Errorf("get scope: %w", err)
	}
	return name, nil
}

// Upsert creates the scope if needed and inserts or replaces items by ref.
func (c *SQLite) Upsert(ctx context.Context, scope models.Scope, name string, items []Source) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO corpus_scopes (kind, id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE corpus_scopes.name END`,
		scope.Kind, scope.ID, name, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert scope: %w", err)
	}

	for _, it := range items {
		var occurred any
		if it.Date != nil {
			occurred = it.Date.UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO evidence_items (scope_kind, scope_id, ref, source_type, focus_areas, title, author, occurred_at, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope_kind, scope_id, ref) DO UPDATE SET
				source_type = excluded.source_type,
				focus_areas = excluded.focus_areas,
				title = excluded.title,
				author = excluded.author,
				occurred_at = excluded.occurred_at,
				content = excluded.content`,
			scope.Kind, scope.ID, it.Ref, it.SourceType, encodeFocusAreas(it.FocusAreas),
			it.Title, it.Author, occurred, it.Content,
		)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", it.Ref, err)
		}
	}
	return tx.Commit()
}

func (c *SQLite) Summarize(ctx context.Context, scope models.Scope) (*Summary, error) {
	name, err := c.scopeName(ctx, scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT source_type, focus_areas, occurred_at FROM evidence_items WHERE scope_kind = ? AND scope_id = ?`,
		scope.Kind, scope.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	defer rows.Close()

	var items []Source
	for rows.Next() {
		var (
			st       string
			focus    string
			occurred sql.NullTime
		)
		if err := rows.Scan(&st, &focus, &occurred); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		src := Source{SourceType: models.SourceType(st), FocusAreas: decodeFocusAreas(focus)}
		if occurred.Valid {
			t := occurred.Time.UTC()
			src.Date = &t
		}
		items = append(items, src)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summarize(scope, name, items), nil
}

func (c *SQLite) Query(ctx context.Context, req QueryRequest) ([]Source, error) {
	if _, err := c.scopeName(ctx, req.Scope); err != nil {
		return nil, err
	}

	query := `SELECT ref, source_type, focus_areas, title, author, occurred_at, content
		FROM evidence_items WHERE scope_kind = ? AND scope_id = ?`
	args := []any{req.Scope.Kind, req.Scope.ID}

	if req.FocusArea != "" {
		query += " AND focus_areas LIKE ?"
		args = append(args, "%,"+string(req.FocusArea)+",%")
	}
	if len(req.SourceTypes) > 0 {
		placeholders := make([]string, len(req.SourceTypes))
		for i, st := range req.SourceTypes {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND source_type IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY occurred_at IS NULL, occurred_at, ref"
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var (
			src      Source
			st       string
			focus    string
			occurred sql.NullTime
		)
		if err := rows.Scan(&src.Ref, &st, &focus, &src.Title, &src.Author, &occurred, &src.Content); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		src.SourceType = models.SourceType(st)
		src.FocusAreas = decodeFocusAreas(focus)
		if occurred.Valid {
			t := occurred.Time.UTC()
			src.Date = &t
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
