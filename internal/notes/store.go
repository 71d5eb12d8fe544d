// Package notes is a small bound service that exercises the router end to end:
// its controller answers PutNote, GetNote, ListNotes, DeleteNote and
// WatchNotes, and pushes NoteChanged frames to watching sessions.
package notes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/binaflow/binaflow-go/pkg/db"
)

// Store persists notes. *db.Repository and *MemoryStore implement it.
type Store interface {
	GetNote(ctx context.Context, id string) (*db.Note, error)
	PutNote(ctx context.Context, params db.PutNoteParams) (*db.Note, error)
	ListNotes(ctx context.Context, params db.ListNotesParams) ([]*db.Note, error)
	DeleteNote(ctx context.Context, id string) error
}

var _ Store = (*db.Repository)(nil)

// MemoryStore keeps notes in process. It is used when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[string]*db.Note
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes: make(map[string]*db.Note),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) GetNote(_ context.Context, id string) (*db.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, db.ErrNoteNotFound
	}
	return clone(n), nil
}

func (s *MemoryStore) PutNote(_ context.Context, params db.PutNoteParams) (*db.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	existing, ok := s.notes[id]
	if params.ExpectedRevision > 0 {
		if !ok {
			return nil, db.ErrNoteNotFound
		}
		if existing.Revision != params.ExpectedRevision {
			return nil, db.ErrRevisionConflict
		}
	}

	n := &db.Note{
		ID:       id,
		Title:    params.Title,
		Body:     params.Body,
		Tags:     append([]string(nil), params.Tags...),
		Revision: 1,
		Created:  now,
		Modified: now,
	}
	if ok {
		n.Revision = existing.Revision + 1
		n.Created = existing.Created
	}
	s.notes[id] = n
	return clone(n), nil
}

func (s *MemoryStore) ListNotes(_ context.Context, params db.ListNotesParams) ([]*db.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*db.Note
	for _, n := range s.notes {
		if params.Tag == "" || hasTag(n, params.Tag) {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Modified.Equal(out[j].Modified) {
			return out[i].Modified.After(out[j].Modified)
		}
		return out[i].ID < out[j].ID
	})
	if limit := db.ClampLimit(params.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteNote(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		return db.ErrNoteNotFound
	}
	delete(s.notes, id)
	return nil
}

func clone(n *db.Note) *db.Note {
	c := *n
	c.Tags = append([]string(nil), n.Tags...)
	return &c
}

func hasTag(n *db.Note, tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
