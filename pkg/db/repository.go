package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

const noteColumns = `id, title, body, tags, revision, created, modified`

// Repository provides database access for the notes service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetNote finds a note by id.
func (r *Repository) GetNote(ctx context.Context, id string) (*Note, error) {
	slog.Debug(fmt.Sprintf("%s - GetNote id=%s", repoLogPrefix, id))

	row := r.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)
	return scanNote(row)
}

// PutNote creates or replaces a note and bumps its revision.
func (r *Repository) PutNote(ctx context.Context, params PutNoteParams) (*Note, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	tags := params.Tags
	if tags == nil {
		tags = []string{}
	}
	now := time.Now().UTC()
	slog.Info(fmt.Sprintf("%s - PutNote id=%s expectedRevision=%d", repoLogPrefix, id, params.ExpectedRevision))

	if params.ExpectedRevision > 0 {
		row := r.pool.QueryRow(ctx,
			`UPDATE notes SET title = $3, body = $4, tags = $5, revision = revision + 1, modified = $6
			 WHERE id = $1 AND revision = $2
			 RETURNING `+noteColumns,
			id, params.ExpectedRevision, params.Title, params.Body, tags, now)
		note, err := scanNote(row)
		if errors.Is(err, ErrNoteNotFound) {
			// Either the note is gone or its revision moved on.
			if _, getErr := r.GetNote(ctx, id); getErr == nil {
				return nil, ErrRevisionConflict
			}
		}
		return note, err
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO notes (id, title, body, tags, revision, created, modified)
		 VALUES ($1, $2, $3, $4, 1, $5, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   body = EXCLUDED.body,
		   tags = EXCLUDED.tags,
		   revision = notes.revision + 1,
		   modified = EXCLUDED.modified
		 RETURNING `+noteColumns,
		id, params.Title, params.Body, tags, now)
	return scanNote(row)
}

// ListNotes returns notes, most recently modified first.
func (r *Repository) ListNotes(ctx context.Context, params ListNotesParams) ([]*Note, error) {
	limit := ClampLimit(params.Limit)

	var rows pgx.Rows
	var err error
	if params.Tag != "" {
		rows, err = r.pool.Query(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE $1 = ANY(tags)
			 ORDER BY modified DESC, id LIMIT $2`, params.Tag, limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+noteColumns+` FROM notes ORDER BY modified DESC, id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list notes: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - failed to iterate notes: %w", repoLogPrefix, err)
	}
	return notes, nil
}

// DeleteNote removes a note.
func (r *Repository) DeleteNote(ctx context.Context, id string) error {
	slog.Info(fmt.Sprintf("%s - DeleteNote id=%s", repoLogPrefix, id))

	tag, err := r.pool.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s - failed to delete note %s: %w", repoLogPrefix, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoteNotFound
	}
	return nil
}

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.Title, &n.Body, &n.Tags, &n.Revision, &n.Created, &n.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan note: %w", repoLogPrefix, err)
	}
	return &n, nil
}
