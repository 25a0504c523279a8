package cjwnl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxzi/mailing/internal/db"
)

// ErrContentNotFound is returned when a content object does not exist
var ErrContentNotFound = errors.New("content not found")

// Content is the part of a CMS content object the migration needs
type Content struct {
	ID             int64
	Names          map[string]string
	MainLocationID int64
}

// ContentLoader loads content objects by id
type ContentLoader interface {
	LoadContent(ctx context.Context, id int64) (*Content, error)
}

// LegacyContentLoader reads content names and main locations from the eZ
// Publish tables of the legacy database.
type LegacyContentLoader struct {
	db db.Querier
}

func NewLegacyContentLoader(q db.Querier) *LegacyContentLoader {
	return &LegacyContentLoader{db: q}
}

func (l *LegacyContentLoader) LoadContent(ctx context.Context, id int64) (*Content, error) {
	var version int64
	err := l.db.QueryRowContext(ctx, "SELECT current_version FROM ezcontentobject WHERE id = ?", id).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("content %d: %w", id, ErrContentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content %d: %w", id, err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT content_translation, name FROM ezcontentobject_name
		WHERE contentobject_id = ? AND content_version = ?`, id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load content names %d: %w", id, err)
	}
	defer rows.Close()

	c := &Content{ID: id, Names: map[string]string{}}
	for rows.Next() {
		var lang, name string
		if err := rows.Scan(&lang, &name); err != nil {
			return nil, err
		}
		c.Names[lang] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var location sql.NullInt64
	err = l.db.QueryRowContext(ctx, `
		SELECT main_node_id FROM ezcontentobject_tree
		WHERE contentobject_id = ? AND node_id = main_node_id`, id).Scan(&location)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load main location %d: %w", id, err)
	}
	c.MainLocationID = location.Int64

	return c, nil
}

// namesIn keeps the names of the given languages
func (c *Content) namesIn(languages []string) map[string]string {
	names := make(map[string]string, len(languages))
	for _, lang := range languages {
		if name, ok := c.Names[lang]; ok {
			names[lang] = name
		}
	}
	return names
}
