package db

import (
	"errors"
	"time"
)

var (
	// ErrNoteNotFound is returned when no note has the requested id.
	ErrNoteNotFound = errors.New("note not found")
	// ErrRevisionConflict is returned when a write names a revision that is no longer current.
	ErrRevisionConflict = errors.New("note revision conflict")
)

// Note is a row of the notes table.
type Note struct {
	ID       string
	Title    string
	Body     string
	Tags     []string
	Revision int64
	Created  time.Time
	Modified time.Time
}

// PutNoteParams holds parameters for PutNote.
type PutNoteParams struct {
	// ID of the note; a new id is generated when empty.
	ID    string
	Title string
	Body  string
	Tags  []string
	// ExpectedRevision, when non-zero, must equal the stored revision.
	ExpectedRevision int64
}

// ListNotesParams holds parameters for ListNotes.
type ListNotesParams struct {
	// Tag filters to notes carrying it; all notes when empty.
	Tag   string
	Limit int
}

// DefaultListLimit and MaxListLimit bound ListNotes.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit applies DefaultListLimit and MaxListLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
